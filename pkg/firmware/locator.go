package firmware

import (
	"context"

	"github.com/ebobo/modem_health_go/pkg/bus"
)

// SupportedModems matches the Quectel EG25 family.
var SupportedModems = map[string][]string{
	bus.ModemPropertyManufacturer: {"Quectel", "QUALCOMM INCORPORATED"},
	bus.ModemPropertyModel:        {"EG25", "EG25-G", "QUECTEL Mobile Broadband Module"},
}

// BusLocator finds modems through ModemManager.
type BusLocator struct {
	MM      *bus.ModemManager
	Desired map[string][]string
}

func (l *BusLocator) Ping(ctx context.Context) error {
	_, err := l.MM.ListModems(ctx)
	return err
}

func (l *BusLocator) Locate(ctx context.Context) (Modem, error) {
	desired := l.Desired
	if desired == nil {
		desired = SupportedModems
	}
	m, err := l.MM.FindModem(ctx, desired)
	if err != nil || m == nil {
		return nil, err
	}
	return m, nil
}
