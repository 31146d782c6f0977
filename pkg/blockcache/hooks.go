package blockcache

// Hooks lets a caller observe cache behavior for telemetry without the
// cache itself depending on a logging or metrics library. pkg/telemetry
// constructs a Hooks value wired to zerolog/prometheus; the zero value is
// entirely safe and every field is optional.
type Hooks struct {
	OnHit   func()
	OnMiss  func()
	OnEvict func()
}

func (h Hooks) hit() {
	if h.OnHit != nil {
		h.OnHit()
	}
}

func (h Hooks) miss() {
	if h.OnMiss != nil {
		h.OnMiss()
	}
}

func (h Hooks) evict() {
	if h.OnEvict != nil {
		h.OnEvict()
	}
}
