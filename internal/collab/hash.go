package collab

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashFiles digests the ordered file-name→content mapping of a run
// request. Clients compute the same digest over their local copy; a
// mismatch at run time means the client's view has diverged from the
// store and the run falls back to the client's files.
//
// Names are hashed in the order given (the request order), with NUL
// separators so ("a", "bc") and ("ab", "c") cannot collide.
func HashFiles(names []string, files map[string]string) string {
	d := xxhash.New()
	for _, name := range names {
		d.WriteString(name)
		d.Write([]byte{0})
		d.WriteString(files[name])
		d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
