// unmarshal_bench_test.go
package benchmark

import (
	"reflect"
	"testing"

	"github.com/tempestnet/tempest/tempest"
)

// --------------------
// Pre-marshaled test data
// --------------------
var (
	loginData []byte
	blobData  []byte
	bulkData  []byte
)

func init() {
	types := tempest.NewTypeMap()

	w := tempest.NewWriter()
	tempest.WriteValue(tempest.NewSerializeContext(types), w, loginRequest{
		Username: loginTestUsername, Password: loginTestPassword, ClientID: loginTestClientID,
	})
	loginData, _ = w.Flush()

	w = tempest.NewWriter()
	tempest.WriteValue(tempest.NewSerializeContext(types), w, blobTestData)
	blobData, _ = w.Flush()

	w = tempest.NewWriter()
	tempest.WriteValue(tempest.NewSerializeContext(types), w, bulkTestData)
	bulkData, _ = w.Flush()
}

func BenchmarkTempest_Login_Unmarshal(b *testing.B) {
	types := tempest.NewTypeMap()
	loginType := reflect.TypeOf(loginRequest{})

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		r := tempest.NewReader(loginData)
		if _, err := tempest.ReadValue(tempest.NewDeserializeContext(types), r, loginType); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTempest_Blob_Unmarshal(b *testing.B) {
	types := tempest.NewTypeMap()
	blobType := reflect.TypeOf(blobTestData)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		r := tempest.NewReader(blobData)
		if _, err := tempest.ReadValue(tempest.NewDeserializeContext(types), r, blobType); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTempest_Bulk_Unmarshal(b *testing.B) {
	types := tempest.NewTypeMap()
	bulkType := reflect.TypeOf(bulkTestData)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		r := tempest.NewReader(bulkData)
		if _, err := tempest.ReadValue(tempest.NewDeserializeContext(types), r, bulkType); err != nil {
			b.Fatal(err)
		}
	}
}

// TestMessageSize reports the encoded size of each fixture, the way
// the teacher's benchmark suite compared wire sizes across codecs.
func TestMessageSize(t *testing.T) {
	t.Logf("login encoded size: %d bytes", len(loginData))
	t.Logf("blob (%d bytes payload) encoded size: %d bytes", len(blobTestData), len(blobData))
	t.Logf("bulk (%d uint32s) encoded size: %d bytes", len(bulkTestData), len(bulkData))
}
