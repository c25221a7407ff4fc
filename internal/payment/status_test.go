package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusAuthorized: false,
		StatusCaptured:   true,
		StatusCanceled:   true,
		StatusError:      true,
		StatusRefunded:   true,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.Terminal(), "status %s", status)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusAuthorized, StatusCaptured, StatusCanceled, StatusError, StatusRefunded} {
		assert.True(t, s.Valid(), "status %s", s)
	}
	assert.False(t, Status("approved").Valid())
	assert.False(t, Status("").Valid())
}

func TestMerge(t *testing.T) {
	base := Data{"a": 1, "b": "old"}
	out := Merge(base, Data{"b": "new", "c": true})
	assert.Equal(t, Data{"a": 1, "b": "new", "c": true}, out)

	allocated := Merge(nil, Data{"x": "y"})
	assert.Equal(t, Data{"x": "y"}, allocated)
}

func TestCloneDataDoesNotAlias(t *testing.T) {
	orig := Data{"a": "1"}
	clone := CloneData(orig)
	clone["a"] = "2"
	assert.Equal(t, "1", orig["a"])
}

func TestStringField(t *testing.T) {
	d := Data{"s": "hello", "n": 42.0, "b": true}
	assert.Equal(t, "hello", StringField(d, "s"))
	assert.Equal(t, "42", StringField(d, "n"), "JSON numbers are rendered back as strings")
	assert.Equal(t, "", StringField(d, "b"))
	assert.Equal(t, "", StringField(d, "missing"))
	assert.Equal(t, "", StringField(nil, "s"))
}
