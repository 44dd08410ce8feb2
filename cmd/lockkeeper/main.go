// Command lockkeeper runs a payload under a distributed lock, backed by an
// in-memory reference strategy (memlock) unless a real backend is wired in
// by an embedder. It exists to exercise worker.Facade and task.Facade end to
// end, the way a tiny reference client ships alongside a library.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
