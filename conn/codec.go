package conn

import (
	"reflect"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// Encode serializes v with msgpack. It is used both for message payloads and stored blobs.
func Encode(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode deserializes data into v, which must be a pointer.
func Decode(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(v)
}

// decodeMsg turns a payload into a value of the type registered for rpcType.
func decodeMsg(reflectedTypesMap map[uint8]reflect.Type, rpcType uint8, payload []byte) (interface{}, error) {
	reflectedType, ok := reflectedTypesMap[rpcType]
	if !ok {
		return nil, errors.Errorf("type of the msg (%d) is unknown", rpcType)
	}
	msgBody := reflect.New(reflectedType)
	if err := Decode(payload, msgBody.Interface()); err != nil {
		return nil, err
	}
	return msgBody.Elem().Interface(), nil
}
