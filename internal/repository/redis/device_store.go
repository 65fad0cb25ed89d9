package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"security-gateway/internal/client"
	"security-gateway/internal/device"
	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

const devicePrefix = "device:"

// DeviceStore keeps one hash per fingerprint. The key TTL equals the
// inactivity window, so eviction is handled by Redis.
type DeviceStore struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewDeviceStore(client *client.RedisClient, inactivity time.Duration) *DeviceStore {
	return &DeviceStore{client: client, ttl: inactivity}
}

func (s *DeviceStore) Get(ctx context.Context, fingerprint string) (*models.DeviceRecord, error) {
	fields, err := s.client.HGetAll(ctx, devicePrefix+fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeDevice(fingerprint, fields)
}

func (s *DeviceStore) Put(ctx context.Context, rec models.DeviceRecord) error {
	key := devicePrefix + rec.Fingerprint
	if err := s.client.HSet(ctx, key,
		"first_seen", rec.FirstSeen.UnixMilli(),
		"last_seen", rec.LastSeen.UnixMilli(),
		"trusted", strconv.FormatBool(rec.Trusted),
	); err != nil {
		util.Error("Failed to store device", zap.String("fingerprint", rec.Fingerprint), zap.Error(err))
		return fmt.Errorf("failed to store device: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl); err != nil {
		return fmt.Errorf("failed to set device expiry: %w", err)
	}
	return nil
}

// Sweep is a no-op: keys expire after the inactivity window.
func (s *DeviceStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *DeviceStore) Stats(ctx context.Context) (device.Stats, error) {
	keys, err := s.client.ScanAll(ctx, devicePrefix+"*", 500)
	if err != nil {
		return device.Stats{}, fmt.Errorf("failed to scan devices: %w", err)
	}
	var st device.Stats
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		st.TotalDevices++
		if fields["trusted"] == "true" {
			st.TrustedDevices++
		}
	}
	return st, nil
}

func (s *DeviceStore) Clear(ctx context.Context) error {
	keys, err := s.client.ScanAll(ctx, devicePrefix+"*", 500)
	if err != nil {
		return fmt.Errorf("failed to scan devices: %w", err)
	}
	return s.client.Del(ctx, keys...)
}

func decodeDevice(fingerprint string, fields map[string]string) (*models.DeviceRecord, error) {
	first, err := strconv.ParseInt(fields["first_seen"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid first_seen for device %s: %w", fingerprint, err)
	}
	last, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_seen for device %s: %w", fingerprint, err)
	}
	return &models.DeviceRecord{
		Fingerprint: fingerprint,
		FirstSeen:   time.UnixMilli(first).UTC(),
		LastSeen:    time.UnixMilli(last).UTC(),
		Trusted:     fields["trusted"] == "true",
	}, nil
}
