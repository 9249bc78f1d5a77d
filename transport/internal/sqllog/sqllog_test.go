package sqllog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c >= ?`

	assert.Equal(t, q, Dialect{}.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c >= $2`, Dialect{Numbered: true}.rebind(q))
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultGroup, o.Group)
	assert.Equal(t, DefaultPollInterval, o.PollInterval)
	assert.Equal(t, DefaultPruneInterval, o.PruneInterval)

	o = Options{Group: "g", PollInterval: time.Second, PruneInterval: time.Hour}.withDefaults()
	assert.Equal(t, "g", o.Group)
	assert.Equal(t, time.Second, o.PollInterval)
	assert.Equal(t, time.Hour, o.PruneInterval)
}
