// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package defender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReportIDClock(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := reportIDClock{}

	first := c.next(now)
	assert.Equal(t, uint64(now.UnixMilli()), first)
	// same millisecond
	assert.Equal(t, first+1, c.next(now))
	assert.Equal(t, first+2, c.next(now))
	// clock going backwards
	assert.Equal(t, first+3, c.next(now.Add(-time.Second)))
	// clock catching up
	later := now.Add(time.Second)
	assert.Equal(t, uint64(later.UnixMilli()), c.next(later))
}
