package generator

// Config drives the synthetic transaction generator.
type Config struct {
	NumUsers        int
	NumTransactions int
	// Rings are planted cycles of MinRingSize..MaxRingSize distinct users.
	Rings       int
	MinRingSize int
	MaxRingSize int
	// Mules each receive MuleFanIn transfers from distinct senders.
	Mules     int
	MuleFanIn int

	HighValueChance       float64
	ForeignCurrencyChance float64
	Seed                  int64
}

// DefaultConfig returns a dataset large enough to exercise every rule and both graph detectors.
func DefaultConfig() Config {
	return Config{
		NumUsers:              2000,
		NumTransactions:       20000,
		Rings:                 25,
		MinRingSize:           2,
		MaxRingSize:           5,
		Mules:                 10,
		MuleFanIn:             40,
		HighValueChance:       0.05,
		ForeignCurrencyChance: 0.1,
		Seed:                  42,
	}
}
