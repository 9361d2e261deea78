package main

import (
	"github.com/devatadev/gowvcdm/wv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// loadDevices opens every configured device, keyed by name. A local device is
// named after its .wvd file, a remote one by its config name.
func loadDevices(config *Config, logger *zap.Logger) (map[string]wv.Device, error) {
	devices := make(map[string]wv.Device, len(config.Devices)+len(config.RemoteDevices))

	for _, path := range config.Devices {
		device, err := wv.LoadLocalDeviceFile(path, wv.WithLogger(logger))
		if err != nil {
			return nil, errors.Wrapf(err, "load device %s", path)
		}
		name := deviceName(path)
		devices[name] = device
		logger.Info("loaded device",
			zap.String("device", name),
			zap.Stringer("type", device.Type()),
			zap.Int("security_level", device.SecurityLevel()),
			zap.Uint32("system_id", device.SystemId()))
	}

	for _, remote := range config.RemoteDevices {
		typ, _ := wv.ParseDeviceType(remote.DeviceType)
		device, err := wv.NewRemoteDevice(wv.RemoteConfig{
			Name:          remote.Name,
			Type:          typ,
			SecurityLevel: remote.SecurityLevel,
			Endpoint:      remote.Host,
			APIKey:        remote.Secret,
			Scheme:        remote.Scheme,
			Service:       remote.Service,
		}, wv.WithLogger(logger))
		if err != nil {
			return nil, errors.Wrapf(err, "remote device %s", remote.Name)
		}
		devices[remote.Name] = device
		logger.Info("loaded remote device", zap.String("device", remote.Name), zap.String("host", remote.Host))
	}

	return devices, nil
}
