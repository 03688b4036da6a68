// marshal_bench_test.go
package benchmark

import (
	"testing"

	"github.com/tempestnet/tempest/tempest"
)

// --------------------
// Test data
// --------------------
type loginRequest struct {
	Username string
	Password string
	ClientID string
}

var (
	loginTestUsername = "john.doe@example.com"
	loginTestPassword = "super_secret_password_123"
	loginTestClientID = "client-abc-123-xyz"

	blobTestData = []byte("this is some test blob data")
	bulkTestData = []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
)

// --------------------
// Benchmarks: Login
// --------------------

func BenchmarkTempest_Login_Marshal(b *testing.B) {
	msg := loginRequest{Username: loginTestUsername, Password: loginTestPassword, ClientID: loginTestClientID}
	types := tempest.NewTypeMap()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := tempest.NewWriter()
		if err := tempest.WriteValue(tempest.NewSerializeContext(types), w, msg); err != nil {
			b.Fatal(err)
		}
		if _, err := w.Flush(); err != nil {
			b.Fatal(err)
		}
	}
}

// --------------------
// Benchmarks: Blob
// --------------------

func BenchmarkTempest_Blob_Marshal(b *testing.B) {
	types := tempest.NewTypeMap()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := tempest.NewWriter()
		if err := tempest.WriteValue(tempest.NewSerializeContext(types), w, blobTestData); err != nil {
			b.Fatal(err)
		}
		if _, err := w.Flush(); err != nil {
			b.Fatal(err)
		}
	}
}

// --------------------
// Benchmarks: Bulk
// --------------------

func BenchmarkTempest_Bulk_Marshal(b *testing.B) {
	types := tempest.NewTypeMap()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := tempest.NewWriter()
		if err := tempest.WriteValue(tempest.NewSerializeContext(types), w, bulkTestData); err != nil {
			b.Fatal(err)
		}
		if _, err := w.Flush(); err != nil {
			b.Fatal(err)
		}
	}
}
