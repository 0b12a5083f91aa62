package primary

import (
	"reflect"

	"github.com/gitzhang10/narwhal/types"
)

const (
	HeaderTag uint8 = iota
	VoteTag
	CertificateTag
	CertificatesRequestTag
	CertificatesResponseTag
)

var header Header
var vote Vote
var certificate Certificate
var certificatesRequest CertificatesRequest
var certificatesResponse CertificatesResponse
var ourBatch types.OurBatch
var othersBatch types.OthersBatch

var reflectedTypesMap = map[uint8]reflect.Type{
	HeaderTag:               reflect.TypeOf(header),
	VoteTag:                 reflect.TypeOf(vote),
	CertificateTag:          reflect.TypeOf(certificate),
	CertificatesRequestTag:  reflect.TypeOf(certificatesRequest),
	CertificatesResponseTag: reflect.TypeOf(certificatesResponse),
	types.OurBatchTag:       reflect.TypeOf(ourBatch),
	types.OthersBatchTag:    reflect.TypeOf(othersBatch),
}

// ReflectedTypesMap returns the messages a primary listener decodes.
func ReflectedTypesMap() map[uint8]reflect.Type {
	return reflectedTypesMap
}
