package store_test

import (
	"testing"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/internal/store/storetest"
)

func TestMemStoreConformance(t *testing.T) {
	storetest.RunStoreTests(t, func() store.Store {
		return store.NewMemStore()
	})
}
