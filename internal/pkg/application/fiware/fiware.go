package fiware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	ngsierrors "github.com/diwise/context-broker/pkg/ngsild/errors"
	"github.com/diwise/context-broker/pkg/ngsild/types"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities"
	. "github.com/diwise/context-broker/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/context-broker/pkg/ngsild/types/properties"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sensor-fleet/fiware")

const (
	DeviceIDPrefix string = "urn:ngsi-ld:Device:"
	DeviceTypeName string = "Device"
)

// DeviceRegistry creates or updates an NGSI-LD Device entity for every simulated sensor.
type DeviceRegistry struct {
	cbClient client.ContextBrokerClient
	now      func() time.Time
}

func NewDeviceRegistry(cbClient client.ContextBrokerClient) *DeviceRegistry {
	return &DeviceRegistry{
		cbClient: cbClient,
		now:      time.Now,
	}
}

func (r *DeviceRegistry) RegisterSensors(ctx context.Context, clientID string, sensorIDs []string) error {
	var err error

	ctx, span := tracer.Start(ctx, "register-sensors")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, logger := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

	var errs []error

	for _, sensorID := range sensorIDs {
		if regErr := r.createOrUpdate(ctx, clientID, sensorID); regErr != nil {
			logger.Error().Err(regErr).Str("device", sensorID).Msg("failed to register device")
			errs = append(errs, regErr)
		}
	}

	err = errors.Join(errs...)
	return err
}

func (r *DeviceRegistry) createOrUpdate(ctx context.Context, clientID, sensorID string) error {
	logger := logging.GetFromContext(ctx)

	headers := map[string][]string{"Content-Type": {"application/ld+json"}}

	decorators := []entities.EntityDecoratorFunc{
		entities.DefaultContext(),
		Text("source", clientID),
		Text("description", fmt.Sprintf("simulated sensor %s of device %s", sensorID, clientID)),
		DateTime(properties.DateObserved, r.now().UTC().Format(time.RFC3339)),
	}

	entityID := DeviceIDPrefix + sensorID

	fragment, err := entities.NewFragment(decorators...)
	if err != nil {
		return fmt.Errorf("failed to create entity fragment: %s", err.Error())
	}

	_, err = r.cbClient.MergeEntity(ctx, entityID, fragment, headers)
	if err == nil {
		logger.Debug().Msgf("updated entity %s", entityID)
		return nil
	}

	if !errors.Is(err, ngsierrors.ErrNotFound) {
		logger.Warn().Err(err).Msg("failed to merge entity")
	}

	var entity types.Entity
	entity, err = entities.New(entityID, DeviceTypeName, decorators...)
	if err != nil {
		return fmt.Errorf("failed to create new entity: %s", err.Error())
	}

	_, err = r.cbClient.CreateEntity(ctx, entity, headers)
	if err != nil {
		return fmt.Errorf("failed to post entity %s to context broker: %w", entityID, err)
	}

	logger.Info().Msgf("created entity %s", entityID)

	return nil
}
