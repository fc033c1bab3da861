package tapo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DeviceInfo contains information about a Tapo device, as returned by
// get_device_info.
type DeviceInfo struct {
	DeviceID              string `json:"device_id"`
	FirmwareVersion       string `json:"fw_ver"`
	HardwareVersion       string `json:"hw_ver"`
	Type                  string `json:"type"`
	Model                 string `json:"model"`
	MAC                   string `json:"mac"`
	HWID                  string `json:"hw_id"`
	FWID                  string `json:"fw_id"`
	OEMID                 string `json:"oem_id"`
	IP                    string `json:"ip"`
	TimeDiff              int    `json:"time_diff"`
	SSID                  string `json:"ssid"`
	RSSI                  int    `json:"rssi"`
	SignalLevel           int    `json:"signal_level"`
	Latitude              int    `json:"latitude"`
	Longitude             int    `json:"longitude"`
	Lang                  string `json:"lang"`
	Avatar                string `json:"avatar"`
	Region                string `json:"region"`
	Specs                 string `json:"specs"`
	Nickname              string `json:"nickname"`
	HasSetLocationInfo    bool   `json:"has_set_location_info"`
	DeviceON              bool   `json:"device_on"`
	OnTime                int    `json:"on_time"`
	OverHeated            bool   `json:"overheated"`
	PowerProtectionStatus string `json:"power_protection_status"`
	Location              string `json:"location"`
}

// DeviceUsage contains usage statistics for a Tapo device, as returned by
// get_device_usage.
type DeviceUsage struct {
	TimeUsage  UsageEntry `json:"time_usage"`
	PowerUsage UsageEntry `json:"power_usage"`
	SavedPower UsageEntry `json:"saved_power"`
}

// UsageEntry contains usage data for different time periods.
type UsageEntry struct {
	Today  int `json:"today"`
	Past7  int `json:"past7"`
	Past30 int `json:"past30"`
}

// CurrentPower contains the current power consumption, as returned by
// get_current_power.
type CurrentPower struct {
	CurrentPower int `json:"current_power"` // in milliwatts
}

// EnergyUsage contains energy usage data, as returned by get_energy_usage.
type EnergyUsage struct {
	TodayRuntime      int    `json:"today_runtime"` // minutes
	MonthRuntime      int    `json:"month_runtime"` // minutes
	TodayEnergy       int    `json:"today_energy"`  // Wh
	MonthEnergy       int    `json:"month_energy"`  // Wh
	LocalTime         string `json:"local_time"`
	ElectricityCharge []int  `json:"electricity_charge"`
	CurrentPower      int    `json:"current_power"` // mW
}

// EnergyDataInterval represents the interval for energy data queries.
type EnergyDataInterval string

const (
	EnergyDataHourly  EnergyDataInterval = "hourly"
	EnergyDataDaily   EnergyDataInterval = "daily"
	EnergyDataMonthly EnergyDataInterval = "monthly"
)

// EnergyData contains energy data for a specific interval, as returned by
// get_energy_data.
type EnergyData struct {
	LocalTime      string `json:"local_time"`
	StartTimestamp int64  `json:"start_timestamp"`
	EndTimestamp   int64  `json:"end_timestamp"`
	Interval       int    `json:"interval"`
	Data           []int  `json:"data"` // Wh values
}

// energyDataParams contains parameters for energy data requests.
type energyDataParams struct {
	StartTimestamp int64 `json:"start_timestamp"`
	EndTimestamp   int64 `json:"end_timestamp"`
	Interval       int   `json:"interval"`
}

// Interval constants for energy data requests (in minutes).
const (
	IntervalHourly  = 60    // 60 minutes
	IntervalDaily   = 1440  // 24 hours
	IntervalMonthly = 43200 // 30 days
)

// getStartEndTimestamps calculates start/end timestamps for energy data queries.
func getStartEndTimestamps(interval EnergyDataInterval, t time.Time) (int64, int64) {
	loc := t.Location()

	switch interval {
	case EnergyDataHourly:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		end := start.Add(24 * time.Hour)
		return start.Unix(), end.Unix()
	case EnergyDataDaily:
		quarterStart := getQuarterStartMonth(t)
		start := time.Date(t.Year(), time.Month(quarterStart), 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 3, 0)
		return start.Unix(), end.Unix()
	case EnergyDataMonthly:
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, loc)
		end := time.Date(t.Year()+1, 1, 1, 0, 0, 0, 0, loc)
		return start.Unix(), end.Unix()
	default:
		return 0, 0
	}
}

func getQuarterStartMonth(t time.Time) int {
	return 3*((int(t.Month())-1)/3) + 1
}

// The methods below are typed convenience wrappers over SendSmartCommand:
// every call flows through the SMART envelope and whichever Transport
// (KLAP or AES) the Device was constructed with.

// GetDeviceInfo retrieves device information.
func (d *Device) GetDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	result, err := d.SendSmartCommand(ctx, "get_device_info", nil)
	if err != nil {
		return nil, err
	}
	var info DeviceInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("%w: parsing device info: %v", ErrProtocolError, err)
	}
	return &info, nil
}

// GetDeviceUsage retrieves device usage statistics.
func (d *Device) GetDeviceUsage(ctx context.Context) (*DeviceUsage, error) {
	result, err := d.SendSmartCommand(ctx, "get_device_usage", nil)
	if err != nil {
		return nil, err
	}
	var usage DeviceUsage
	if err := json.Unmarshal(result, &usage); err != nil {
		return nil, fmt.Errorf("%w: parsing device usage: %v", ErrProtocolError, err)
	}
	return &usage, nil
}

// GetCurrentPower retrieves the current power consumption.
func (d *Device) GetCurrentPower(ctx context.Context) (*CurrentPower, error) {
	result, err := d.SendSmartCommand(ctx, "get_current_power", nil)
	if err != nil {
		return nil, err
	}
	var power CurrentPower
	if err := json.Unmarshal(result, &power); err != nil {
		return nil, fmt.Errorf("%w: parsing current power: %v", ErrProtocolError, err)
	}
	return &power, nil
}

// GetEnergyUsage retrieves energy usage data.
func (d *Device) GetEnergyUsage(ctx context.Context) (*EnergyUsage, error) {
	result, err := d.SendSmartCommand(ctx, "get_energy_usage", nil)
	if err != nil {
		return nil, err
	}
	var usage EnergyUsage
	if err := json.Unmarshal(result, &usage); err != nil {
		return nil, fmt.Errorf("%w: parsing energy usage: %v", ErrProtocolError, err)
	}
	return &usage, nil
}

// GetEnergyData retrieves energy data for the specified interval.
func (d *Device) GetEnergyData(ctx context.Context, interval EnergyDataInterval, t time.Time) (*EnergyData, error) {
	startTS, endTS := getStartEndTimestamps(interval, t)

	var intervalMinutes int
	switch interval {
	case EnergyDataHourly:
		intervalMinutes = IntervalHourly
	case EnergyDataDaily:
		intervalMinutes = IntervalDaily
	case EnergyDataMonthly:
		intervalMinutes = IntervalMonthly
	default:
		return nil, &InvalidArgument{Msg: fmt.Sprintf("invalid interval: %s", interval)}
	}

	params := energyDataParams{
		StartTimestamp: startTS,
		EndTimestamp:   endTS,
		Interval:       intervalMinutes,
	}

	result, err := d.SendSmartCommand(ctx, "get_energy_data", params)
	if err != nil {
		return nil, err
	}
	var data EnergyData
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, fmt.Errorf("%w: parsing energy data: %v", ErrProtocolError, err)
	}
	return &data, nil
}

// TurnOn turns the device on.
func (d *Device) TurnOn(ctx context.Context) error {
	_, err := d.SendSmartCommand(ctx, "set_device_info", map[string]bool{"device_on": true})
	return err
}

// TurnOff turns the device off.
func (d *Device) TurnOff(ctx context.Context) error {
	_, err := d.SendSmartCommand(ctx, "set_device_info", map[string]bool{"device_on": false})
	return err
}

// IP returns the host the device is connected to.
func (d *Device) IP() string {
	return d.host
}
