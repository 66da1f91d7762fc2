package store

// Config holds configuration shared by the store backends.
type Config struct {
	// Keyspace is made active when the session opens. Empty means none.
	Keyspace string

	// WriteConsistency is the acknowledgement level for table writes.
	// Default: ONE (a single replica)
	WriteConsistency Consistency

	// WriteBatchSize is the number of rows grouped per write round trip.
	// Default: 100. DynamoDB caps this at 25.
	WriteBatchSize int

	// WriteRate limits table writes to this many rows per second.
	// Default: 0 (unlimited)
	WriteRate float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteConsistency: ConsistencyOne,
		WriteBatchSize:   100,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.WriteConsistency == "" {
		c.WriteConsistency = ConsistencyOne
	}
	if c.WriteBatchSize < 1 {
		c.WriteBatchSize = 100
	}
	if c.WriteBatchSize > 1000 {
		c.WriteBatchSize = 1000
	}
	if c.WriteRate < 0 {
		c.WriteRate = 0
	}
}
