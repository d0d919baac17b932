package satip

import (
	"sync"

	"github.com/gobwas/glob"
)

// globCache memoizes glob.Compile results so that repeatedly checking the
// same disabled-source/disabled-filter pattern list does not recompile a
// pattern on every Assign call.
var (
	globCacheMu sync.Mutex
	globCache   = make(map[string]glob.Glob)
)

func compileGlobCached(pattern string) (glob.Glob, error) {
	globCacheMu.Lock()
	defer globCacheMu.Unlock()
	if g, ok := globCache[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	globCache[pattern] = g
	return g, nil
}
