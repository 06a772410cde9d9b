// Package codec 票据序列化
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
)

// 序列化格式
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Serializer 票据序列化器
type Serializer interface {
	Marshal(t *model.Ticket) ([]byte, error)
	Unmarshal(data []byte) (*model.Ticket, error)
}

// New 按格式名创建序列化器，空字符串为 JSON
func New(format string) (Serializer, error) {
	switch format {
	case "", FormatJSON:
		return NewJSON(), nil
	case FormatCBOR:
		return NewCBOR()
	default:
		return nil, fmt.Errorf("不支持的序列化格式: %s", format)
	}
}

type jsonSerializer struct {
	api jsoniter.API
}

// NewJSON 创建 JSON 序列化器
func NewJSON() Serializer {
	return &jsonSerializer{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (s *jsonSerializer) Marshal(t *model.Ticket) ([]byte, error) {
	return s.api.Marshal(t)
}

func (s *jsonSerializer) Unmarshal(data []byte) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.api.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

type cborSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR 创建 CBOR 序列化器
// 使用确定性编码，同一票据总是得到相同字节
func NewCBOR() (Serializer, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("初始化 CBOR 编码器失败: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("初始化 CBOR 解码器失败: %w", err)
	}
	return &cborSerializer{enc: enc, dec: dec}, nil
}

func (s *cborSerializer) Marshal(t *model.Ticket) ([]byte, error) {
	return s.enc.Marshal(t)
}

func (s *cborSerializer) Unmarshal(data []byte) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.dec.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
