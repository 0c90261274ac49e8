// Package cipher implements the crypto capability: CBC block encryption
// with PKCS#7 padding and hex-encoded output. A cipher handle pins the
// algorithm and key; every encryption draws a fresh random IV which is
// prepended to the ciphertext.
package cipher

import (
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blowfish"
	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/bridge"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Module is the capability name clients address.
const Module = "crypto"

// Bridge exposes the cipher functions over a shared handle pool.
type Bridge struct {
	pool   *pool.Pool
	logger pslog.Logger
}

// New constructs the crypto capability.
func New(p *pool.Pool, logger pslog.Logger) *Bridge {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bridge{pool: p, logger: svcfields.WithSubsystem(logger, "crypto")}
}

// Register wires the capability functions into the whitelist.
func (b *Bridge) Register(r *registry.Registry) {
	r.Register(Module, "new", b.newCipher)
	r.Register(Module, "encrypt", b.encrypt)
	r.Register(Module, "decrypt", b.decrypt)
	r.Register(Module, "cleanup_cipher", b.cleanup)
}

type cipherState struct {
	algorithm string
	key       []byte
}

// Close zeroes the key material when the handle is removed or reaped.
func (c *cipherState) Close() error {
	for i := range c.key {
		c.key[i] = 0
	}
	return nil
}

func (c *cipherState) block() (gocipher.Block, error) {
	switch c.algorithm {
	case "Blowfish":
		return blowfish.NewCipher(c.key)
	default:
		return aes.NewCipher(c.key)
	}
}

func (b *Bridge) newCipher(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	key, err := bridge.Str(params, "key")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: key must not be empty", bridge.ErrBadParam)
	}
	algorithm, err := bridge.StrDefault(params, "cipher", "Blowfish")
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	state := &cipherState{
		algorithm: normalized,
		key:       prepareKey([]byte(key), normalized),
	}
	// Fail on unusable keys at creation time, not first use.
	if _, err := state.block(); err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	id := b.pool.Create(pool.KindCipher, state, "")
	b.logger.Debug("cipher created", "cipher_id", id, "cipher", algorithm)
	return map[string]any{
		"cipher_id":  id,
		"cipher":     algorithm,
		"key_length": len(key),
	}, nil
}

func (b *Bridge) encrypt(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	state, id, err := b.state(params)
	if err != nil {
		return nil, err
	}
	plaintext, err := bridge.Str(params, "plaintext")
	if err != nil {
		return nil, err
	}
	block, err := state.block()
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	padded := padPKCS7([]byte(plaintext), block.BlockSize())
	out := make([]byte, block.BlockSize()+len(padded))
	iv := out[:block.BlockSize()]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	gocipher.NewCBCEncrypter(block, iv).CryptBlocks(out[block.BlockSize():], padded)
	b.pool.Touch(id)
	return map[string]any{"ciphertext": hex.EncodeToString(out)}, nil
}

func (b *Bridge) decrypt(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	state, id, err := b.state(params)
	if err != nil {
		return nil, err
	}
	encoded, err := bridge.Str(params, "ciphertext")
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decrypt: ciphertext is not hex: %w", err)
	}
	block, err := state.block()
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	bs := block.BlockSize()
	if len(raw) < 2*bs || len(raw)%bs != 0 {
		return nil, fmt.Errorf("decrypt: ciphertext length %d is not a valid block sequence", len(raw))
	}
	iv, body := raw[:bs], raw[bs:]
	plain := make([]byte, len(body))
	gocipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	plain, err = unpadPKCS7(plain, bs)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{"plaintext": string(plain)}, nil
}

func (b *Bridge) cleanup(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	_, id, err := b.state(params)
	if err != nil {
		return nil, err
	}
	if err := b.pool.Remove(id); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (b *Bridge) state(params *dyn.Map) (*cipherState, string, error) {
	id, err := bridge.Str(params, "cipher_id")
	if err != nil {
		return nil, "", err
	}
	h, err := b.pool.Get(id, pool.KindCipher)
	if err != nil {
		return nil, "", err
	}
	return h.State.(*cipherState), id, nil
}

func normalizeAlgorithm(name string) (string, error) {
	switch name {
	case "Blowfish", "blowfish":
		return "Blowfish", nil
	case "AES", "aes", "Rijndael", "rijndael", "RIJNDAEL":
		return "AES", nil
	default:
		return "", fmt.Errorf("unsupported cipher algorithm %q, supported: Blowfish, AES, Rijndael", name)
	}
}

// prepareKey shapes arbitrary-length key material to what the algorithm
// accepts: Blowfish takes 1..56 bytes as-is, AES wants 16, 24, or 32.
// Short AES keys are zero-padded up, long ones truncated, matching how the
// legacy clients fed passphrases straight in.
func prepareKey(key []byte, algorithm string) []byte {
	if algorithm == "Blowfish" {
		if len(key) > 56 {
			key = key[:56]
		}
		return append([]byte(nil), key...)
	}
	for _, size := range []int{16, 24, 32} {
		if len(key) <= size {
			out := make([]byte, size)
			copy(out, key)
			return out
		}
	}
	return append([]byte(nil), key[:32]...)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
