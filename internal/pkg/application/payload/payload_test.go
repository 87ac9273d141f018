package payload

import (
	"encoding/json"
	"testing"

	"github.com/diwise/sensor-fleet/domain"
	"github.com/farshidtz/senml/v2"
	"github.com/matryer/is"
)

func TestThatJSONReadingRoundTrips(t *testing.T) {
	is := is.New(t)

	r := domain.SensorReading{Device: "client1-sensor1", Value: 1.23, Timestamp: 1700000000000}

	b, err := EncodeJSON(r)
	is.NoErr(err)
	is.Equal(string(b), `{"device":"client1-sensor1","value":1.23,"timestamp":1700000000000}`)

	decoded, err := DecodeJSON(b)
	is.NoErr(err)
	is.Equal(decoded, r)
}

func TestThatSpikeValuesRoundTrip(t *testing.T) {
	is := is.New(t)

	r := domain.SensorReading{Device: "dev1-sensor3", Value: -123.45678901234, Timestamp: 1}

	b, err := EncodeJSON(r)
	is.NoErr(err)

	decoded, err := DecodeJSON(b)
	is.NoErr(err)
	is.Equal(decoded, r)
}

func TestThatSenMLPackCarriesDeviceAndValue(t *testing.T) {
	is := is.New(t)

	enc, err := NewEncoder(FormatSenML)
	is.NoErr(err)

	b, err := enc(domain.SensorReading{Device: "dev1-sensor2", Value: 4.5, Timestamp: 1700000000500})
	is.NoErr(err)

	pack := senml.Pack{}
	is.NoErr(json.Unmarshal(b, &pack))
	is.Equal(len(pack), 1)
	is.Equal(pack[0].BaseName, "dev1-sensor2/")
	is.Equal(pack[0].Name, "value")
	is.Equal(*pack[0].Value, 4.5)
	is.Equal(pack[0].BaseTime, 1700000000.5)
}

func TestThatUnknownFormatIsRejected(t *testing.T) {
	is := is.New(t)

	_, err := NewEncoder("xml")
	is.True(err != nil)
}

func TestThatMalformedPayloadFailsToDecode(t *testing.T) {
	is := is.New(t)

	_, err := DecodeJSON([]byte(`{"device":`))
	is.True(err != nil)
}
