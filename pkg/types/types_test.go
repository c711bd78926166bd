package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskAllFilesUnionsCreateAndModify(t *testing.T) {
	task := &Task{
		Files: FileSet{
			Create: []string{"a.go", "b.go"},
			Modify: []string{"c.go"},
			Read:   []string{"d.go"},
		},
	}
	assert.ElementsMatch(t, []string{"a.go", "b.go", "c.go"}, task.AllFiles())
}

func TestTaskAllFilesEmptyWhenNoFiles(t *testing.T) {
	task := &Task{}
	assert.Empty(t, task.AllFiles())
}
