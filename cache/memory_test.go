package cache_test

import (
	"testing"

	"github.com/emersion/go-imapsync/cache"
	"github.com/emersion/go-imapsync/cache/cachetest"
)

func TestMemoryCache(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Cache {
		return cache.NewMemory()
	})
}
