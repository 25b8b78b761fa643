package configsvc

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/hms-plane/xerrors"
)

// ChangeEvent 总线上的刷新通知，msgpack 编码。
// 投递至少一次，客户端收到后重新拉取并比较 ETag。
type ChangeEvent struct {
	ID          string    `msgpack:"id" json:"id"`
	Application string    `msgpack:"application" json:"application"`
	Generation  uint64    `msgpack:"generation" json:"generation"`
	Origin      string    `msgpack:"origin" json:"origin"`
	At          time.Time `msgpack:"at" json:"at"`
}

// Affects 事件是否影响 app 的配置
func (e *ChangeEvent) Affects(app string) bool {
	return e.Application == app || e.Application == GlobalApplication
}

// EncodeChangeEvent 编码为总线消息体
func EncodeChangeEvent(e *ChangeEvent) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode change event")
	}
	return data, nil
}

// DecodeChangeEvent 解码总线消息体
func DecodeChangeEvent(data []byte) (*ChangeEvent, error) {
	var e ChangeEvent
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, xerrors.Wrap(err, "decode change event")
	}
	return &e, nil
}
