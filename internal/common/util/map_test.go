package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyMap(t *testing.T) {
	original := map[string]string{"DOTNET_gcServer": "1"}
	c := CopyMap(original)
	c["DOTNET_gcServer"] = "0"

	assert.Equal(t, "1", original["DOTNET_gcServer"])
	assert.Nil(t, CopyMap[string, int](nil))
	assert.NotNil(t, CopyMap(map[string]int{}))
}
