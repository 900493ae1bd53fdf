package netcomponents

import (
	"github.com/automoto/netsync/shared/protocol"
	"github.com/yohamta/donburi"
)

type NetHealthData struct {
	Current, Max int
}

var NetHealth = donburi.NewComponentType[NetHealthData]()

var healthCodec = protocol.Codec[NetHealthData]{
	Encode: func(w *protocol.Writer, v NetHealthData) {
		w.Varint(int64(v.Current))
		w.Varint(int64(v.Max))
	},
	Decode: func(r *protocol.Reader) NetHealthData {
		return NetHealthData{Current: int(r.Varint()), Max: int(r.Varint())}
	},
	Equal: func(a, b NetHealthData) bool {
		return a == b
	},
	SizeHint: 2,
}
