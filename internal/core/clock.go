package core

import "time"

// nowFunc is overridden in tests that need deterministic date_range gating.
var nowFunc = time.Now
