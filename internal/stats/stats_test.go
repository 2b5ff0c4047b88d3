package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesAndPartDoneAccumulate(t *testing.T) {
	s := New(3)
	s.Bytes(100)
	s.Bytes(50)
	s.PartDone()
	s.Error()

	line := s.Line()
	assert.Contains(t, line, "1/3 parts")
	assert.Contains(t, line, "1 errors")
}

func TestStringIncludesAllFields(t *testing.T) {
	s := New(2)
	s.Bytes(1024)
	s.PartDone()
	s.LocalMatch()

	out := s.String()
	for _, want := range []string{"Fetched:", "Parts:", "Errors:", "Elapsed:"} {
		assert.True(t, strings.Contains(out, want), "expected %q in %q", want, out)
	}
}
