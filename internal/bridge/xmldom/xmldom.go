// Package xmldom implements the xmldom capability: DOM-style access to
// parsed XML documents. Documents and element nodes are pooled handles;
// node handles are owned by their document, so disposing the document
// invalidates every node cut from it.
package xmldom

import (
	"context"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/bridge"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Module is the capability name clients address.
const Module = "xmldom"

// Bridge exposes the xmldom functions over a shared handle pool.
type Bridge struct {
	pool   *pool.Pool
	logger pslog.Logger
}

// New constructs the xmldom capability.
func New(p *pool.Pool, logger pslog.Logger) *Bridge {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bridge{pool: p, logger: svcfields.WithSubsystem(logger, "xmldom")}
}

// Register wires the capability functions into the whitelist.
func (b *Bridge) Register(r *registry.Registry) {
	r.Register(Module, "parse_string", b.parseString)
	r.Register(Module, "parse_file", b.parseFile)
	r.Register(Module, "get_document_root", b.documentRoot)
	r.Register(Module, "get_elements_by_tag_name", b.elementsByTagName)
	r.Register(Module, "get_child_nodes", b.childNodes)
	r.Register(Module, "get_attribute", b.getAttribute)
	r.Register(Module, "set_attribute", b.setAttribute)
	r.Register(Module, "has_attribute", b.hasAttribute)
	r.Register(Module, "remove_attribute", b.removeAttribute)
	r.Register(Module, "get_text_contents", b.textContents)
	r.Register(Module, "get_tag_name", b.tagName)
	r.Register(Module, "create_element", b.createElement)
	r.Register(Module, "append_child", b.appendChild)
	r.Register(Module, "remove_child", b.removeChild)
	r.Register(Module, "to_string", b.toString)
	r.Register(Module, "dispose_document", b.disposeDocument)
}

type docState struct {
	doc *etree.Document
}

type nodeState struct {
	docID string
	elem  *etree.Element
}

func (b *Bridge) doc(id string) (*docState, error) {
	h, err := b.pool.Get(id, pool.KindDocument)
	if err != nil {
		return nil, err
	}
	return h.State.(*docState), nil
}

func (b *Bridge) node(id string) (*nodeState, error) {
	h, err := b.pool.Get(id, pool.KindNode)
	if err != nil {
		return nil, err
	}
	return h.State.(*nodeState), nil
}

func (b *Bridge) nodeParam(params *dyn.Map) (*nodeState, string, error) {
	id, err := bridge.Str(params, "node_id")
	if err != nil {
		return nil, "", err
	}
	n, err := b.node(id)
	if err != nil {
		return nil, "", err
	}
	return n, id, nil
}

func (b *Bridge) storeDocument(doc *etree.Document) map[string]any {
	id := b.pool.Create(pool.KindDocument, &docState{doc: doc}, "")
	b.logger.Debug("document parsed", "document_id", id)
	return map[string]any{"document_id": id}
}

func (b *Bridge) storeNode(docID string, elem *etree.Element) string {
	return b.pool.Create(pool.KindNode, &nodeState{docID: docID, elem: elem}, docID)
}

func (b *Bridge) parseString(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	xml, err := bridge.Str(params, "xml")
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("parse xml: no document element")
	}
	return b.storeDocument(doc), nil
}

func (b *Bridge) parseFile(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	filename, err := bridge.Str(params, "filename")
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(filename); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("parse %s: no document element", filename)
	}
	return b.storeDocument(doc), nil
}

func (b *Bridge) documentRoot(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	docID, err := bridge.Str(params, "document_id")
	if err != nil {
		return nil, err
	}
	d, err := b.doc(docID)
	if err != nil {
		return nil, err
	}
	b.pool.Touch(docID)
	return map[string]any{"node_id": b.storeNode(docID, d.doc.Root())}, nil
}

// elementsByTagName searches descendants of the given node, or of the
// document root when only document_id is supplied.
func (b *Bridge) elementsByTagName(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	tag, err := bridge.Str(params, "tag_name")
	if err != nil {
		return nil, err
	}
	var docID string
	var scope *etree.Element
	if nodeID, nerr := bridge.StrDefault(params, "node_id", ""); nerr != nil {
		return nil, nerr
	} else if nodeID != "" {
		n, err := b.node(nodeID)
		if err != nil {
			return nil, err
		}
		docID, scope = n.docID, n.elem
	} else {
		docID, err = bridge.Str(params, "document_id")
		if err != nil {
			return nil, err
		}
		d, err := b.doc(docID)
		if err != nil {
			return nil, err
		}
		scope = d.doc.Root()
	}

	ids := make([]any, 0)
	for _, elem := range scope.FindElements(".//" + tag) {
		ids = append(ids, b.storeNode(docID, elem))
	}
	b.pool.Touch(docID)
	return map[string]any{"node_ids": ids, "count": len(ids)}, nil
}

func (b *Bridge) childNodes(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0)
	for _, child := range n.elem.ChildElements() {
		ids = append(ids, b.storeNode(n.docID, child))
	}
	b.pool.Touch(id)
	return map[string]any{"node_ids": ids, "count": len(ids)}, nil
}

func (b *Bridge) getAttribute(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	name, err := bridge.Str(params, "name")
	if err != nil {
		return nil, err
	}
	b.pool.Touch(id)
	if attr := n.elem.SelectAttr(name); attr != nil {
		return map[string]any{"value": attr.Value, "found": true}, nil
	}
	return map[string]any{"value": "", "found": false}, nil
}

func (b *Bridge) setAttribute(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	name, err := bridge.Str(params, "name")
	if err != nil {
		return nil, err
	}
	value, err := bridge.Str(params, "value")
	if err != nil {
		return nil, err
	}
	n.elem.CreateAttr(name, value)
	b.pool.Touch(id)
	return map[string]any{}, nil
}

func (b *Bridge) hasAttribute(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	name, err := bridge.Str(params, "name")
	if err != nil {
		return nil, err
	}
	b.pool.Touch(id)
	return map[string]any{"present": n.elem.SelectAttr(name) != nil}, nil
}

func (b *Bridge) removeAttribute(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	name, err := bridge.Str(params, "name")
	if err != nil {
		return nil, err
	}
	n.elem.RemoveAttr(name)
	b.pool.Touch(id)
	return map[string]any{}, nil
}

func (b *Bridge) textContents(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	collectText(n.elem, &sb)
	b.pool.Touch(id)
	return map[string]any{"text": sb.String()}, nil
}

func (b *Bridge) tagName(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	n, id, err := b.nodeParam(params)
	if err != nil {
		return nil, err
	}
	b.pool.Touch(id)
	return map[string]any{"tag_name": n.elem.Tag}, nil
}

func (b *Bridge) createElement(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	docID, err := bridge.Str(params, "document_id")
	if err != nil {
		return nil, err
	}
	tag, err := bridge.Str(params, "tag_name")
	if err != nil {
		return nil, err
	}
	if _, err := b.doc(docID); err != nil {
		return nil, err
	}
	b.pool.Touch(docID)
	return map[string]any{"node_id": b.storeNode(docID, etree.NewElement(tag))}, nil
}

func (b *Bridge) appendChild(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	parentID, err := bridge.Str(params, "parent_id")
	if err != nil {
		return nil, err
	}
	childID, err := bridge.Str(params, "child_id")
	if err != nil {
		return nil, err
	}
	parent, err := b.node(parentID)
	if err != nil {
		return nil, err
	}
	child, err := b.node(childID)
	if err != nil {
		return nil, err
	}
	if parent.docID != child.docID {
		return nil, fmt.Errorf("nodes belong to different documents")
	}
	parent.elem.AddChild(child.elem)
	b.pool.Touch(parentID)
	b.pool.Touch(childID)
	return map[string]any{}, nil
}

func (b *Bridge) removeChild(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	parentID, err := bridge.Str(params, "parent_id")
	if err != nil {
		return nil, err
	}
	childID, err := bridge.Str(params, "child_id")
	if err != nil {
		return nil, err
	}
	parent, err := b.node(parentID)
	if err != nil {
		return nil, err
	}
	child, err := b.node(childID)
	if err != nil {
		return nil, err
	}
	if removed := parent.elem.RemoveChild(child.elem); removed == nil {
		return nil, fmt.Errorf("node is not a child of the given parent")
	}
	b.pool.Touch(parentID)
	return map[string]any{}, nil
}

// toString serializes a document, or a single node when node_id is given.
func (b *Bridge) toString(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	nodeID, err := bridge.StrDefault(params, "node_id", "")
	if err != nil {
		return nil, err
	}
	if nodeID != "" {
		n, err := b.node(nodeID)
		if err != nil {
			return nil, err
		}
		tmp := etree.NewDocument()
		tmp.SetRoot(n.elem.Copy())
		xml, err := tmp.WriteToString()
		if err != nil {
			return nil, fmt.Errorf("serialize node: %w", err)
		}
		b.pool.Touch(nodeID)
		return map[string]any{"xml": xml}, nil
	}
	docID, err := bridge.Str(params, "document_id")
	if err != nil {
		return nil, err
	}
	d, err := b.doc(docID)
	if err != nil {
		return nil, err
	}
	xml, err := d.doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	b.pool.Touch(docID)
	return map[string]any{"xml": xml}, nil
}

func (b *Bridge) disposeDocument(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	docID, err := bridge.Str(params, "document_id")
	if err != nil {
		return nil, err
	}
	if _, err := b.doc(docID); err != nil {
		return nil, err
	}
	nodes := b.pool.RemoveOwned(docID)
	if err := b.pool.Remove(docID); err != nil {
		return nil, err
	}
	b.logger.Debug("document disposed", "document_id", docID, "nodes_released", nodes)
	return map[string]any{"nodes_released": nodes}, nil
}

func collectText(elem *etree.Element, sb *strings.Builder) {
	for _, child := range elem.Child {
		switch t := child.(type) {
		case *etree.CharData:
			sb.WriteString(t.Data)
		case *etree.Element:
			collectText(t, sb)
		}
	}
}
