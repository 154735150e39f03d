package draft

import (
	"fmt"

	"github.com/google/uuid"
)

// Key 草稿内节点的地址，节点存活期间不变，不会离开进程
type Key uuid.UUID

func NewKey() Key { return Key(uuid.New()) }

func (k Key) String() string { return uuid.UUID(k).String() }

func (k Key) IsZero() bool { return k == Key{} }

// Identity 要么是 Unsaved(本地 key)，要么是 Persisted(远程 id)
type Identity struct {
	local    Key
	remoteID int64
}

func Unsaved(k Key) Identity { return Identity{local: k} }

func Persisted(id int64) Identity { return Identity{remoteID: id} }

func (i Identity) IsPersisted() bool { return i.remoteID != 0 }

// RemoteID 服务端分配的 id
func (i Identity) RemoteID() (int64, bool) { return i.remoteID, i.remoteID != 0 }

// LocalKey 未保存实体的临时 key
func (i Identity) LocalKey() (Key, bool) { return i.local, i.remoteID == 0 }

func (i Identity) String() string {
	if i.IsPersisted() {
		return fmt.Sprintf("persisted(%d)", i.remoteID)
	}
	return fmt.Sprintf("unsaved(%s)", i.local)
}
