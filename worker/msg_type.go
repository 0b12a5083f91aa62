package worker

import (
	"reflect"

	"github.com/gitzhang10/narwhal/types"
)

const (
	TransactionTag uint8 = 20 + iota
	BatchTag
	BatchAckTag
	BatchRequestTag
)

// Transaction is submitted by clients. It is the only unsigned message.
type Transaction struct {
	Data []byte
}

// BatchAck tells the author of a batch that we stored it.
type BatchAck struct {
	Digest types.Digest
}

// BatchRequest asks the same worker of another authority for batches.
type BatchRequest struct {
	Digests   []types.Digest
	Requestor string
}

var transaction Transaction
var batch types.Batch
var batchAck BatchAck
var batchRequestMsg BatchRequest
var synchronize types.Synchronize
var cleanup types.Cleanup

var reflectedTypesMap = map[uint8]reflect.Type{
	TransactionTag:       reflect.TypeOf(transaction),
	BatchTag:             reflect.TypeOf(batch),
	BatchAckTag:          reflect.TypeOf(batchAck),
	BatchRequestTag:      reflect.TypeOf(batchRequestMsg),
	types.SynchronizeTag: reflect.TypeOf(synchronize),
	types.CleanupTag:     reflect.TypeOf(cleanup),
}

// ReflectedTypesMap returns the messages a worker listener decodes.
func ReflectedTypesMap() map[uint8]reflect.Type {
	return reflectedTypesMap
}
