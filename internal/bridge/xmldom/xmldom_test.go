package xmldom_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scriptbridge/bridged/internal/bridge/xmldom"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
)

const sample = `<catalog><book id="b1"><title>Go</title></book><book id="b2"><title>Perl</title></book></catalog>`

func newBridge(t *testing.T) (*pool.Pool, *registry.Registry) {
	t.Helper()
	p := pool.New(clock.NewManual(time.Unix(0, 0)), nil)
	reg := registry.New()
	xmldom.New(p, nil).Register(reg)
	reg.Freeze()
	return p, reg
}

func call(t *testing.T, reg *registry.Registry, function string, params *dyn.Map) map[string]any {
	t.Helper()
	result, err := callErr(reg, function, params)
	if err != nil {
		t.Fatalf("%s: %v", function, err)
	}
	return result
}

func callErr(reg *registry.Registry, function string, params *dyn.Map) (map[string]any, error) {
	fn, err := reg.Lookup(xmldom.Module, function)
	if err != nil {
		return nil, err
	}
	return fn(context.Background(), params)
}

func parse(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	result := call(t, reg, "parse_string", dyn.NewMap().Set("xml", dyn.String(sample)))
	return result["document_id"].(string)
}

func TestParseStringRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	if _, err := callErr(reg, "parse_string", dyn.NewMap().Set("xml", dyn.String("<unclosed"))); err == nil {
		t.Fatal("malformed xml accepted")
	}
}

func TestDocumentTraversal(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	docID := parse(t, reg)

	root := call(t, reg, "get_document_root", dyn.NewMap().Set("document_id", dyn.String(docID)))
	rootID := root["node_id"].(string)
	if tag := call(t, reg, "get_tag_name", dyn.NewMap().Set("node_id", dyn.String(rootID))); tag["tag_name"].(string) != "catalog" {
		t.Fatalf("root tag = %v", tag)
	}

	books := call(t, reg, "get_elements_by_tag_name", dyn.NewMap().
		Set("document_id", dyn.String(docID)).
		Set("tag_name", dyn.String("book")))
	ids := books["node_ids"].([]any)
	if len(ids) != 2 {
		t.Fatalf("book count = %d", len(ids))
	}

	first := ids[0].(string)
	attr := call(t, reg, "get_attribute", dyn.NewMap().
		Set("node_id", dyn.String(first)).
		Set("name", dyn.String("id")))
	if attr["value"].(string) != "b1" || attr["found"].(bool) != true {
		t.Fatalf("attribute = %v", attr)
	}

	children := call(t, reg, "get_child_nodes", dyn.NewMap().Set("node_id", dyn.String(first)))
	if children["count"].(int) != 1 {
		t.Fatalf("children = %v", children)
	}

	text := call(t, reg, "get_text_contents", dyn.NewMap().Set("node_id", dyn.String(first)))
	if text["text"].(string) != "Go" {
		t.Fatalf("text = %v", text)
	}
}

func TestAttributeMutation(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	docID := parse(t, reg)
	root := call(t, reg, "get_document_root", dyn.NewMap().Set("document_id", dyn.String(docID)))
	rootID := root["node_id"].(string)
	node := dyn.NewMap().Set("node_id", dyn.String(rootID)).Set("name", dyn.String("version"))

	if has := call(t, reg, "has_attribute", node); has["present"].(bool) {
		t.Fatal("version attribute present before set")
	}
	call(t, reg, "set_attribute", dyn.NewMap().
		Set("node_id", dyn.String(rootID)).
		Set("name", dyn.String("version")).
		Set("value", dyn.String("2")))
	if has := call(t, reg, "has_attribute", node); !has["present"].(bool) {
		t.Fatal("version attribute missing after set")
	}
	call(t, reg, "remove_attribute", node)
	if has := call(t, reg, "has_attribute", node); has["present"].(bool) {
		t.Fatal("version attribute present after remove")
	}
}

func TestBuildAndSerialize(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	docID := parse(t, reg)
	root := call(t, reg, "get_document_root", dyn.NewMap().Set("document_id", dyn.String(docID)))
	rootID := root["node_id"].(string)

	created := call(t, reg, "create_element", dyn.NewMap().
		Set("document_id", dyn.String(docID)).
		Set("tag_name", dyn.String("magazine")))
	newID := created["node_id"].(string)

	call(t, reg, "append_child", dyn.NewMap().
		Set("parent_id", dyn.String(rootID)).
		Set("child_id", dyn.String(newID)))

	out := call(t, reg, "to_string", dyn.NewMap().Set("document_id", dyn.String(docID)))
	if !strings.Contains(out["xml"].(string), "<magazine/>") {
		t.Fatalf("serialized document missing new element: %s", out["xml"])
	}

	call(t, reg, "remove_child", dyn.NewMap().
		Set("parent_id", dyn.String(rootID)).
		Set("child_id", dyn.String(newID)))
	out = call(t, reg, "to_string", dyn.NewMap().Set("document_id", dyn.String(docID)))
	if strings.Contains(out["xml"].(string), "magazine") {
		t.Fatalf("removed element still serialized: %s", out["xml"])
	}

	nodeXML := call(t, reg, "to_string", dyn.NewMap().Set("node_id", dyn.String(rootID)))
	if !strings.Contains(nodeXML["xml"].(string), "<catalog") {
		t.Fatalf("node serialization = %s", nodeXML["xml"])
	}
}

func TestDisposeInvalidatesNodes(t *testing.T) {
	t.Parallel()

	p, reg := newBridge(t)
	docID := parse(t, reg)
	root := call(t, reg, "get_document_root", dyn.NewMap().Set("document_id", dyn.String(docID)))
	rootID := root["node_id"].(string)

	result := call(t, reg, "dispose_document", dyn.NewMap().Set("document_id", dyn.String(docID)))
	if result["nodes_released"].(int) != 1 {
		t.Fatalf("nodes_released = %v", result["nodes_released"])
	}
	if _, err := callErr(reg, "get_tag_name", dyn.NewMap().Set("node_id", dyn.String(rootID))); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("node survives disposal: %v", err)
	}
	if p.Stats().Total != 0 {
		t.Fatalf("pool holds %d handles after dispose", p.Stats().Total)
	}
}
