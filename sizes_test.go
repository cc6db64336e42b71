package rotor

import (
	"reflect"
	"testing"

	g "github.com/anacrolix/generics"
	"github.com/go-quicktest/qt"
)

func logSizeof[T any](t *testing.T, bound g.Option[uintptr]) {
	ty := reflect.TypeFor[T]()
	size := ty.Size()
	t.Logf("%v: %v bytes", ty, size)
	if bound.Ok {
		qt.Check(t, qt.IsTrue(size <= bound.Value),
			qt.Commentf("%v is %v bytes, want <= %v", ty, size, bound.Value))
	}
}

// Torrents hold one pendingHash per piece in the hash pipeline and the
// client keeps a PeerConn per socket, so regressions here multiply.
func TestHotTypeSizes(t *testing.T) {
	logSizeof[Torrent](t, g.None[uintptr]())
	logSizeof[PeerConn](t, g.None[uintptr]())
	logSizeof[pendingHash](t, g.Some[uintptr](64))
	logSizeof[TorrentStats](t, g.None[uintptr]())
}
