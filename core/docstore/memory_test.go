// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package docstore_test

import (
	"testing"

	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/docstore/doctest"
	"github.com/stretchr/testify/assert"
)

func TestMemoryStore(t *testing.T) {
	doctest.Run(t, docstore.NewMemory("devices"))
}

func TestLookup(t *testing.T) {
	body := map[string]interface{}{
		"twin": map[string]interface{}{"tags": map[string]interface{}{"floor": 3.0}},
	}
	v, ok := docstore.Lookup(body, "twin.tags.floor")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)
	_, ok = docstore.Lookup(body, "twin.tags.floor.x")
	assert.False(t, ok)
	_, ok = docstore.Lookup(body, "twin.desired")
	assert.False(t, ok)
}
