// streaming_bench_test.go
package benchmark

import (
	"testing"

	"github.com/tempestnet/tempest/tempest"
)

var (
	// Large payloads to simulate streaming.
	largeBlobData = make([]byte, 1024*1024)    // 1 MB
	hugeBlobData  = make([]byte, 10*1024*1024) // 10 MB
)

func init() {
	for i := range largeBlobData {
		largeBlobData[i] = byte(i % 256)
	}
	for i := range hugeBlobData {
		hugeBlobData[i] = byte(i % 256)
	}
}

func benchmarkBlobMarshal(b *testing.B, data []byte) {
	types := tempest.NewTypeMap()
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := tempest.NewWriter()
		if err := tempest.WriteValue(tempest.NewSerializeContext(types), w, data); err != nil {
			b.Fatal(err)
		}
		if _, err := w.Flush(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTempest_LargeBlob_Marshal(b *testing.B) { benchmarkBlobMarshal(b, largeBlobData) }
func BenchmarkTempest_HugeBlob_Marshal(b *testing.B)  { benchmarkBlobMarshal(b, hugeBlobData) }
