package protocol

import (
	"fmt"
	"regexp"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	idSuffix = mustGenerator(nanoid.CustomASCII(base36, 9))

	// MessageIDPattern matches ids produced by NewMessageID.
	MessageIDPattern = regexp.MustCompile(`^msg-\d+-[0-9a-z]+$`)
)

func mustGenerator(gen func() string, err error) func() string {
	if err != nil {
		panic(err)
	}
	return gen
}

// NewMessageID returns msg-<epoch_ms>-<random_base36>.
func NewMessageID() string {
	return fmt.Sprintf("msg-%d-%s", time.Now().UnixMilli(), idSuffix())
}
