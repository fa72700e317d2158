package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	ClientKey string `msgpack:"clientKey"`
	SpaceID   string `msgpack:"spaceId"`
	ZoneID    string `msgpack:"zoneId"`
	SenderID  string `msgpack:"senderId"`
	Content   string `msgpack:"content"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
	DeletedAt int64  `msgpack:"deletedAt"`
}

// Key orders messages by creation time within a zone bucket; the id
// suffix disambiguates identical timestamps.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, []byte(m.ID)...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
