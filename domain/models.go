package domain

type SensorReading struct {
	Device    string  `json:"device"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

type Mode string

const (
	ModePublish   Mode = "publish"
	ModeSubscribe Mode = "subscribe"
	ModeBoth      Mode = "both"
)

func (m Mode) Publishes() bool {
	return m == ModePublish || m == ModeBoth
}

func (m Mode) Subscribes() bool {
	return m == ModeSubscribe || m == ModeBoth
}

func (m Mode) Valid() bool {
	return m == ModePublish || m == ModeSubscribe || m == ModeBoth
}
