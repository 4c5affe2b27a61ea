// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package quad

import "expvar"

// metrics record protocol activity counters.
type metrics struct {
	tokenRecv    expvar.Int
	tokenSent    expvar.Int
	valueSent    expvar.Int // values accepted by a neighbor
	valueRecv    expvar.Int // values accepted from a neighbor
	getSent      expvar.Int // read requests issued
	getCancelled expvar.Int // read requests retracted
	strayValue   expvar.Int // values absorbed for retracted requests
	collision    expvar.Int // simultaneous read requests observed

	emap *expvar.Map
}

var peerMetrics = newMetrics()

func newMetrics() *metrics {
	pm := &metrics{emap: new(expvar.Map)}
	pm.emap.Set("tokens_received", &pm.tokenRecv)
	pm.emap.Set("tokens_sent", &pm.tokenSent)
	pm.emap.Set("values_sent", &pm.valueSent)
	pm.emap.Set("values_received", &pm.valueRecv)
	pm.emap.Set("gets_sent", &pm.getSent)
	pm.emap.Set("gets_cancelled", &pm.getCancelled)
	pm.emap.Set("stray_values_absorbed", &pm.strayValue)
	pm.emap.Set("read_collisions", &pm.collision)
	return pm
}
