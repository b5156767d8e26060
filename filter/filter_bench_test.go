package filter

import (
	"testing"
)

var benchMessage = []byte("From: test@example.com\r\nTo: user@example.com\r\nSubject: Monthly report\r\n" +
	"Date: Thu, 15 Jun 2023 10:30:00 +0200\r\n\r\n" +
	"This message contains important content that should match the filter.\r\n")

func benchmarkAllows(b *testing.B, opts Options) {
	f, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(benchMessage)
	}
}

func BenchmarkFilter_Allows_NoFilters(b *testing.B) {
	benchmarkAllows(b, Options{})
}

func BenchmarkFilter_Allows_IncludeHeader(b *testing.B) {
	benchmarkAllows(b, Options{IncludeHeader: []string{`From:.*@example\.com`}})
}

func BenchmarkFilter_Allows_ExcludeMultiple(b *testing.B) {
	benchmarkAllows(b, Options{ExcludeHeader: []string{`From:.*@spam\.com`, `Subject:.*(?i)promo`, `X-Mailer: bulk`}})
}

func BenchmarkFilter_Allows_Body(b *testing.B) {
	benchmarkAllows(b, Options{IncludeBody: []string{"important.*content"}})
}
