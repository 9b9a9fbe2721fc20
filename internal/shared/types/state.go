package types

// ListenerInfo holds the runtime listening info of a proxy instance.
type ListenerInfo struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// TrafficStats holds cumulative relay counters of a proxy instance, in bytes.
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}
