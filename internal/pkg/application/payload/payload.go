package payload

import (
	"encoding/json"
	"fmt"

	"github.com/diwise/sensor-fleet/domain"
	"github.com/farshidtz/senml/v2"
)

const (
	FormatJSON  string = "json"
	FormatSenML string = "senml"
)

// EncoderFunc turns a reading into the bytes published on the wire.
type EncoderFunc = func(domain.SensorReading) ([]byte, error)

func NewEncoder(format string) (EncoderFunc, error) {
	switch format {
	case "", FormatJSON:
		return EncodeJSON, nil
	case FormatSenML:
		return EncodeSenML, nil
	}
	return nil, fmt.Errorf("unsupported payload format %q", format)
}

func EncodeJSON(r domain.SensorReading) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reading: %s", err.Error())
	}
	return b, nil
}

func DecodeJSON(b []byte) (domain.SensorReading, error) {
	r := domain.SensorReading{}
	err := json.Unmarshal(b, &r)
	if err != nil {
		return r, fmt.Errorf("failed to unmarshal reading: %s", err.Error())
	}
	return r, nil
}

const valueRecordName string = "value"

func EncodeSenML(r domain.SensorReading) ([]byte, error) {
	v := r.Value
	pack := senml.Pack{
		senml.Record{
			BaseName: r.Device + "/",
			BaseTime: float64(r.Timestamp) / 1000,
			Name:     valueRecordName,
			Value:    &v,
		},
	}

	b, err := json.Marshal(pack)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal senml pack: %s", err.Error())
	}
	return b, nil
}
