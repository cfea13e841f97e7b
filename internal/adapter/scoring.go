package adapter

import "meshcore/internal/routing"

// Weights tune the adapter score per message class. Defaults are
// illustrative, not normative; the router derives them from priority and
// payload size.
type Weights struct {
	Latency     float64
	Reliability float64
	Bandwidth   float64
	Cost        float64
}

// largePayload is where bandwidth starts outweighing latency.
const largePayload = 8 << 10

// WeightsFor derives scoring weights from the frame's priority byte and
// payload size. Urgent traffic chases latency and reliability regardless of
// cost; bulk traffic chases bandwidth and cheap links.
func WeightsFor(priority uint8, payloadSize int) Weights {
	switch {
	case priority >= 204: // emergency
		return Weights{Latency: 0.5, Reliability: 0.4, Bandwidth: 0.1, Cost: 0}
	case priority >= 153: // high
		return Weights{Latency: 0.4, Reliability: 0.3, Bandwidth: 0.2, Cost: 0.1}
	case priority <= 50: // background
		return Weights{Latency: 0.05, Reliability: 0.15, Bandwidth: 0.4, Cost: 0.4}
	}
	if payloadSize >= largePayload {
		return Weights{Latency: 0.1, Reliability: 0.2, Bandwidth: 0.5, Cost: 0.2}
	}
	return Weights{Latency: 0.25, Reliability: 0.25, Bandwidth: 0.25, Cost: 0.25}
}

// Score rates an adapter for one send. Non-running adapters score zero.
func Score(c Capabilities, s Status, w Weights) float64 {
	if !s.Running {
		return 0
	}
	return w.Latency*c.Latency + w.Reliability*c.Reliability + w.Bandwidth*c.Bandwidth + w.Cost*c.Cost
}

// Route is one scored way to reach a destination.
type Route struct {
	Adapter Adapter
	Addr    string
	Score   float64
}

// BestRoute picks the highest-scoring running adapter among a peer's
// addresses. needAnon restricts the choice to anonymous transports.
func (r *Registry) BestRoute(addrs []routing.Address, priority uint8, payloadSize int, needAnon bool) (Route, bool) {
	w := WeightsFor(priority, payloadSize)
	var best Route
	for _, ra := range addrs {
		a, ok := r.Get(ra.Adapter)
		if !ok {
			continue
		}
		caps := a.Capabilities()
		if needAnon && !caps.Anonymous {
			continue
		}
		score := Score(caps, a.Status(), w)
		if score <= 0 {
			continue
		}
		if best.Adapter == nil || score > best.Score {
			best = Route{Adapter: a, Addr: ra.Addr, Score: score}
		}
	}
	return best, best.Adapter != nil
}
