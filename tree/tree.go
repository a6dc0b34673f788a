// Package tree holds the hierarchical view of mailboxes, messages and parts
// which the model keeps up to date.
//
// Nodes live in an arena and are addressed by NodeID. IDs are never reused,
// so a stale ID simply stops resolving once its node is removed.
//
// A Tree is safe for concurrent reads. Writes are expected to come from a
// single goroutine.
package tree

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/emersion/go-imapsync"
)

// NodeID identifies a node.
type NodeID int

// Root is the ID of the root node.
const Root NodeID = 0

// Kind is the type of a node.
type Kind int

const (
	KindRoot Kind = iota
	KindMailbox
	KindMessageList
	KindMessage
	KindPart
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindMailbox:
		return "mailbox"
	case KindMessageList:
		return "message-list"
	case KindMessage:
		return "message"
	case KindPart:
		return "part"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// LoadStatus describes whether the data of a node has been fetched.
//
// For a mailbox it covers the list of child mailboxes, for a message list
// the synchronization, for a message the metadata and for a part its body.
type LoadStatus int

const (
	Unloaded LoadStatus = iota
	Loading
	Loaded
	Unavailable
)

func (s LoadStatus) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("LoadStatus(%d)", int(s))
	}
}

// Node is a snapshot of a tree node.
type Node struct {
	ID     NodeID
	Kind   Kind
	Parent NodeID
	Status LoadStatus

	// Name of the mailbox the node belongs to. Empty for the root.
	Mailbox string

	// Set for mailboxes
	Delimiter  string
	Attributes []string

	// Set for messages and parts
	UID imapsync.UID
	// Set for messages
	Flags []imapsync.Flag

	// Set for parts
	PartID    string
	MediaType string
	Size      uint32
}

func (n *Node) clone() Node {
	out := *n
	out.Attributes = slices.Clone(n.Attributes)
	out.Flags = slices.Clone(n.Flags)
	return out
}

type node struct {
	Node
	children []NodeID
}

type msgKey struct {
	mailbox string
	uid     imapsync.UID
}

// Tree is an arena of nodes. The IDs of removed nodes are reused.
type Tree struct {
	mutex     sync.RWMutex
	nodes     []*node
	free      []NodeID
	mailboxes map[string]NodeID
	messages  map[msgKey]NodeID
}

// New creates a tree with only a root node.
func New() *Tree {
	return &Tree{
		nodes:     []*node{{Node: Node{ID: Root, Kind: KindRoot, Parent: Root}}},
		mailboxes: make(map[string]NodeID),
		messages:  make(map[msgKey]NodeID),
	}
}

func (t *Tree) get(id NodeID) *node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

func (t *Tree) add(parent NodeID, n Node) *node {
	n.Parent = parent
	nd := &node{Node: n}
	if last := len(t.free) - 1; last >= 0 {
		nd.ID = t.free[last]
		t.free = t.free[:last]
		t.nodes[nd.ID] = nd
	} else {
		nd.ID = NodeID(len(t.nodes))
		t.nodes = append(t.nodes, nd)
	}
	p := t.nodes[parent]
	p.children = append(p.children, nd.ID)
	return nd
}

// remove deletes a node and its descendants.
func (t *Tree) remove(id NodeID) {
	nd := t.get(id)
	if nd == nil || id == Root {
		return
	}
	if p := t.get(nd.Parent); p != nil {
		p.children = slices.DeleteFunc(p.children, func(child NodeID) bool { return child == id })
	}
	t.drop(nd)
}

func (t *Tree) drop(nd *node) {
	for _, child := range nd.children {
		if c := t.get(child); c != nil {
			t.drop(c)
		}
	}
	switch nd.Kind {
	case KindMailbox:
		delete(t.mailboxes, nd.Mailbox)
	case KindMessage:
		delete(t.messages, msgKey{nd.Mailbox, nd.UID})
	}
	t.nodes[nd.ID] = nil
	t.free = append(t.free, nd.ID)
}

// Node returns a snapshot of a node.
func (t *Tree) Node(id NodeID) (Node, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	nd := t.get(id)
	if nd == nil {
		return Node{}, false
	}
	return nd.clone(), true
}

// Children returns the IDs of the children of a node, in order. The message
// list of a mailbox always comes first.
func (t *Tree) Children(id NodeID) []NodeID {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	nd := t.get(id)
	if nd == nil {
		return nil
	}
	return slices.Clone(nd.children)
}

// Parent returns the parent of a node. The root is its own parent.
func (t *Tree) Parent(id NodeID) (NodeID, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	nd := t.get(id)
	if nd == nil {
		return 0, false
	}
	return nd.Parent, true
}

// Len returns the number of live nodes, the root included.
func (t *Tree) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	n := 0
	for _, nd := range t.nodes {
		if nd != nil {
			n++
		}
	}
	return n
}

// FindMailbox looks up a mailbox node by name. The empty name is the root.
func (t *Tree) FindMailbox(name string) (NodeID, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.findMailbox(name)
}

func (t *Tree) findMailbox(name string) (NodeID, bool) {
	if name == "" {
		return Root, true
	}
	id, ok := t.mailboxes[imapsync.CanonicalMailboxName(name)]
	return id, ok
}

// MessageList returns the message list node of a mailbox.
func (t *Tree) MessageList(mailbox string) (NodeID, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	list := t.messageList(mailbox)
	if list == nil {
		return 0, false
	}
	return list.ID, true
}

func (t *Tree) messageList(mailbox string) *node {
	id, ok := t.findMailbox(mailbox)
	if !ok || id == Root {
		return nil
	}
	mbox := t.nodes[id]
	if len(mbox.children) == 0 {
		return nil
	}
	return t.get(mbox.children[0])
}

// Messages returns snapshots of the messages of a mailbox, ordered by
// sequence number.
func (t *Tree) Messages(mailbox string) []Node {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	list := t.messageList(mailbox)
	if list == nil {
		return nil
	}
	out := make([]Node, 0, len(list.children))
	for _, id := range list.children {
		out = append(out, t.nodes[id].clone())
	}
	return out
}

// FindMessage looks up a message node by UID.
func (t *Tree) FindMessage(mailbox string, uid imapsync.UID) (NodeID, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	id, ok := t.messages[msgKey{imapsync.CanonicalMailboxName(mailbox), uid}]
	return id, ok
}

// FindPart looks up a part node of a message by its specifier.
func (t *Tree) FindPart(mailbox string, uid imapsync.UID, partID string) (NodeID, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	msgID, ok := t.messages[msgKey{imapsync.CanonicalMailboxName(mailbox), uid}]
	if !ok {
		return 0, false
	}
	var found NodeID
	var walk func(id NodeID) bool
	walk = func(id NodeID) bool {
		for _, child := range t.nodes[id].children {
			if t.nodes[child].PartID == partID {
				found = child
				return true
			}
			if walk(child) {
				return true
			}
		}
		return false
	}
	if !walk(msgID) {
		return 0, false
	}
	return found, true
}

// AddMailbox inserts a mailbox below another one, or updates it if it
// already exists. The empty parent name stands for the root.
func (t *Tree) AddMailbox(parent string, data imapsync.MailboxMetadata) (NodeID, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	parentID, ok := t.findMailbox(parent)
	if !ok {
		return 0, fmt.Errorf("tree: unknown mailbox %q", parent)
	}
	return t.addMailbox(parentID, data), nil
}

func (t *Tree) addMailbox(parentID NodeID, data imapsync.MailboxMetadata) NodeID {
	name := imapsync.CanonicalMailboxName(data.Name)
	if id, ok := t.mailboxes[name]; ok {
		nd := t.nodes[id]
		nd.Delimiter = data.Delimiter
		nd.Attributes = slices.Clone(data.Attributes)
		return id
	}

	nd := t.add(parentID, Node{
		Kind:       KindMailbox,
		Mailbox:    name,
		Delimiter:  data.Delimiter,
		Attributes: slices.Clone(data.Attributes),
	})
	if hasAttr(data.Attributes, imapsync.HasNoChildrenAttr) || hasAttr(data.Attributes, imapsync.NoInferiorsAttr) {
		nd.Status = Loaded
	}
	t.mailboxes[name] = nd.ID
	list := t.add(nd.ID, Node{Kind: KindMessageList, Mailbox: name})
	if !data.Selectable() {
		list.Status = Unavailable
	}
	return nd.ID
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// SetMailboxes replaces the child mailboxes of a mailbox. Mailboxes still
// present keep their node and their subtree. The parent becomes Loaded.
func (t *Tree) SetMailboxes(parent string, children []imapsync.MailboxMetadata) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	parentID, ok := t.findMailbox(parent)
	if !ok {
		return fmt.Errorf("tree: unknown mailbox %q", parent)
	}

	keep := make(map[NodeID]bool)
	for _, data := range children {
		keep[t.addMailbox(parentID, data)] = true
	}
	p := t.nodes[parentID]
	for _, id := range slices.Clone(p.children) {
		if t.nodes[id].Kind == KindMailbox && !keep[id] {
			t.remove(id)
		}
	}
	p.Status = Loaded
	return nil
}

func (t *Tree) addMessage(list *node, uid imapsync.UID) *node {
	nd := t.add(list.ID, Node{Kind: KindMessage, Mailbox: list.Mailbox, UID: uid})
	t.messages[msgKey{list.Mailbox, uid}] = nd.ID
	return nd
}

// SetMessages replaces the messages of a mailbox. uids is ordered by
// sequence number. Messages with a known UID keep their node, including
// loaded metadata and parts. Flags are only updated for the UIDs present in
// the map. The message list becomes Loaded.
func (t *Tree) SetMessages(mailbox string, uids []imapsync.UID, flags map[imapsync.UID][]imapsync.Flag) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	list := t.messageList(mailbox)
	if list == nil {
		return fmt.Errorf("tree: unknown mailbox %q", mailbox)
	}

	present := make(map[imapsync.UID]bool, len(uids))
	for _, uid := range uids {
		present[uid] = true
	}
	for _, id := range slices.Clone(list.children) {
		if !present[t.nodes[id].UID] {
			t.remove(id)
		}
	}

	children := make([]NodeID, 0, len(uids))
	for _, uid := range uids {
		id, ok := t.messages[msgKey{list.Mailbox, uid}]
		var nd *node
		if ok {
			nd = t.nodes[id]
		} else {
			nd = t.addMessage(list, uid)
		}
		if f, ok := flags[uid]; ok {
			nd.Flags = imapsync.NormalizeFlags(f)
		}
		children = append(children, nd.ID)
	}
	list.children = children
	list.Status = Loaded
	return nil
}

// AppendMessages adds messages at the end of a mailbox.
func (t *Tree) AppendMessages(mailbox string, uids []imapsync.UID, flags map[imapsync.UID][]imapsync.Flag) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	list := t.messageList(mailbox)
	if list == nil {
		return fmt.Errorf("tree: unknown mailbox %q", mailbox)
	}
	for _, uid := range uids {
		if _, ok := t.messages[msgKey{list.Mailbox, uid}]; ok {
			continue
		}
		nd := t.addMessage(list, uid)
		nd.Flags = imapsync.NormalizeFlags(flags[uid])
	}
	return nil
}

// RemoveMessageAt removes the message with the given sequence number,
// starting at 1. It returns the UID of the removed message.
func (t *Tree) RemoveMessageAt(mailbox string, seqNum uint32) (imapsync.UID, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	list := t.messageList(mailbox)
	if list == nil {
		return 0, fmt.Errorf("tree: unknown mailbox %q", mailbox)
	}
	if seqNum == 0 || int(seqNum) > len(list.children) {
		return 0, fmt.Errorf("tree: sequence number %v out of range in %q", seqNum, mailbox)
	}
	id := list.children[seqNum-1]
	uid := t.nodes[id].UID
	t.remove(id)
	return uid, nil
}

// ClearMessages removes every message of a mailbox. A message list being
// loaded stays Loading, otherwise it is reset to Unloaded.
func (t *Tree) ClearMessages(mailbox string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	list := t.messageList(mailbox)
	if list == nil {
		return fmt.Errorf("tree: unknown mailbox %q", mailbox)
	}
	for _, id := range slices.Clone(list.children) {
		t.remove(id)
	}
	if list.Status != Loading {
		list.Status = Unloaded
	}
	return nil
}

// SetFlags replaces the flags of a message.
func (t *Tree) SetFlags(mailbox string, uid imapsync.UID, flags []imapsync.Flag) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	id, ok := t.messages[msgKey{imapsync.CanonicalMailboxName(mailbox), uid}]
	if !ok {
		return false
	}
	t.nodes[id].Flags = imapsync.NormalizeFlags(flags)
	return true
}

// SetParts replaces the parts of a message with the ones described by a body
// structure, and marks the message Loaded. Part nodes are nested the way
// their specifiers are.
func (t *Tree) SetParts(mailbox string, uid imapsync.UID, bs *imapsync.BodyStructure) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	msgID, ok := t.messages[msgKey{imapsync.CanonicalMailboxName(mailbox), uid}]
	if !ok {
		return fmt.Errorf("tree: unknown message UID %v in %q", uid, mailbox)
	}
	msg := t.nodes[msgID]
	for _, id := range slices.Clone(msg.children) {
		t.remove(id)
	}

	if bs != nil {
		byPartID := make(map[string]NodeID)
		bs.Walk(func(partID string, part *imapsync.BodyStructure) {
			parentID := msgID
			if i := strings.LastIndexByte(partID, '.'); i >= 0 {
				if id, ok := byPartID[partID[:i]]; ok {
					parentID = id
				}
			}
			nd := t.add(parentID, Node{
				Kind:      KindPart,
				Mailbox:   msg.Mailbox,
				UID:       uid,
				PartID:    partID,
				MediaType: part.MediaType(),
				Size:      part.Size,
			})
			byPartID[partID] = nd.ID
		})
	}
	msg.Status = Loaded
	return nil
}

// SetStatus changes the load status of a node.
func (t *Tree) SetStatus(id NodeID, status LoadStatus) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	nd := t.get(id)
	if nd == nil {
		return false
	}
	nd.Status = status
	return true
}

// BeginLoad moves a node to Loading. It reports false if the node is gone
// or already loading.
func (t *Tree) BeginLoad(id NodeID) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	nd := t.get(id)
	if nd == nil || nd.Status == Loading {
		return false
	}
	nd.Status = Loading
	return true
}

// FinishLoad moves a loading node to Loaded or Unavailable. Nodes which
// aren't Loading are left alone.
func (t *Tree) FinishLoad(id NodeID, ok bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	nd := t.get(id)
	if nd == nil || nd.Status != Loading {
		return
	}
	if ok {
		nd.Status = Loaded
	} else {
		nd.Status = Unavailable
	}
}
