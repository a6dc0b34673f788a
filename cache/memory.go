package cache

import (
	"slices"
	"sync"

	"github.com/emersion/go-imapsync"
)

type msgKey struct {
	mailbox string
	uid     imapsync.UID
}

type partKey struct {
	msgKey
	part string
}

// MemoryCache is a Cache which keeps everything in memory.
type MemoryCache struct {
	mutex    sync.RWMutex
	children map[string][]imapsync.MailboxMetadata
	states   map[string]imapsync.SyncState
	uidMaps  map[string][]imapsync.UID
	flags    map[msgKey][]imapsync.Flag
	metadata map[msgKey]imapsync.MessageDataBundle
	parts    map[partKey][]byte
}

var _ Cache = (*MemoryCache)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *MemoryCache {
	return &MemoryCache{
		children: make(map[string][]imapsync.MailboxMetadata),
		states:   make(map[string]imapsync.SyncState),
		uidMaps:  make(map[string][]imapsync.UID),
		flags:    make(map[msgKey][]imapsync.Flag),
		metadata: make(map[msgKey]imapsync.MessageDataBundle),
		parts:    make(map[partKey][]byte),
	}
}

func (c *MemoryCache) ChildMailboxes(mailbox string) ([]imapsync.MailboxMetadata, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return slices.Clone(c.children[mailbox]), nil
}

func (c *MemoryCache) SetChildMailboxes(mailbox string, data []imapsync.MailboxMetadata) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.children[mailbox] = slices.Clone(data)
	return nil
}

func (c *MemoryCache) MailboxSyncState(mailbox string) (imapsync.SyncState, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.states[mailbox], nil
}

func (c *MemoryCache) SetMailboxSyncState(mailbox string, state imapsync.SyncState) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.states[mailbox] = state
	return nil
}

func (c *MemoryCache) UIDMapping(mailbox string) ([]imapsync.UID, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return slices.Clone(c.uidMaps[mailbox]), nil
}

func (c *MemoryCache) SetUIDMapping(mailbox string, uids []imapsync.UID) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.uidMaps[mailbox] = slices.Clone(uids)
	return nil
}

func (c *MemoryCache) MsgFlags(mailbox string, uid imapsync.UID) ([]imapsync.Flag, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return slices.Clone(c.flags[msgKey{mailbox, uid}]), nil
}

func (c *MemoryCache) SetMsgFlags(mailbox string, uid imapsync.UID, flags []imapsync.Flag) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.flags[msgKey{mailbox, uid}] = imapsync.NormalizeFlags(flags)
	return nil
}

func (c *MemoryCache) MessageMetadata(mailbox string, uid imapsync.UID) (imapsync.MessageDataBundle, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.metadata[msgKey{mailbox, uid}], nil
}

func (c *MemoryCache) SetMessageMetadata(mailbox string, uid imapsync.UID, data imapsync.MessageDataBundle) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.metadata[msgKey{mailbox, uid}] = data
	return nil
}

func (c *MemoryCache) MessagePart(mailbox string, uid imapsync.UID, part string) ([]byte, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return slices.Clone(c.parts[partKey{msgKey{mailbox, uid}, part}]), nil
}

func (c *MemoryCache) SetMsgPart(mailbox string, uid imapsync.UID, part string, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.parts[partKey{msgKey{mailbox, uid}, part}] = slices.Clone(data)
	return nil
}

func (c *MemoryCache) ClearAllMessages(mailbox string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.uidMaps, mailbox)
	for k := range c.flags {
		if k.mailbox == mailbox {
			delete(c.flags, k)
		}
	}
	for k := range c.metadata {
		if k.mailbox == mailbox {
			delete(c.metadata, k)
		}
	}
	for k := range c.parts {
		if k.mailbox == mailbox {
			delete(c.parts, k)
		}
	}
	return nil
}

func (c *MemoryCache) ClearMessage(mailbox string, uid imapsync.UID) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.clearMessage(mailbox, uid)
	return nil
}

func (c *MemoryCache) clearMessage(mailbox string, uid imapsync.UID) {
	key := msgKey{mailbox, uid}
	delete(c.flags, key)
	delete(c.metadata, key)
	for k := range c.parts {
		if k.msgKey == key {
			delete(c.parts, k)
		}
	}
}

func (c *MemoryCache) CommitSync(mailbox string, update *SyncUpdate) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.states[mailbox] = update.State
	c.uidMaps[mailbox] = slices.Clone(update.UIDs)
	for _, uid := range update.Vanished {
		c.clearMessage(mailbox, uid)
	}
	for uid, flags := range update.Flags {
		c.flags[msgKey{mailbox, uid}] = imapsync.NormalizeFlags(flags)
	}
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}
