package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/abhishek/tapoctl/internal/config"
	"github.com/abhishek/tapoctl/internal/store"
	"github.com/abhishek/tapoctl/internal/tapo"
)

func main() {
	fs := flag.NewFlagSet("tapoctl", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if cfg.History {
		showHistory(cfg)
		return
	}

	if cfg.Host == "" {
		fmt.Fprintln(os.Stderr, "Error: -host is required (or set TAPO_HOST)")
		os.Exit(1)
	}

	if cfg.Daemon {
		runDaemon(cfg)
		return
	}

	if cfg.Username == "" && cfg.Password == "" && cfg.CredentialsHash == "" {
		fmt.Fprintln(os.Stderr, "Error: username/password or a credentials hash is required")
		fmt.Fprintln(os.Stderr, "Provide via -username/-password/-credentials-hash flags or TAPO_* env vars")
		os.Exit(1)
	}

	client := tapo.NewClient(tapo.Credentials{Username: cfg.Username, Password: cfg.Password}, tapo.CredentialsHash(cfg.CredentialsHash), log.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	device, err := connect(client, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", cfg.Host, err)
		os.Exit(1)
	}
	defer device.Close()

	if cfg.TurnOn || cfg.TurnOff {
		if cfg.TurnOn {
			if err := device.TurnOn(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to turn on: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Device %s turned ON\n", cfg.Host)
		} else {
			if err := device.TurnOff(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to turn off: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Device %s turned OFF\n", cfg.Host)
		}
		return
	}

	data := queryDevice(ctx, device, cfg)

	if cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data)
	}
}

func connect(client *tapo.Client, cfg *config.Config) (*tapo.Device, error) {
	kind := tapo.TransportKLAP
	if cfg.Transport == "aes" {
		kind = tapo.TransportAES
	}
	return client.Connect(tapo.DeviceOptions{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Transport:       kind,
		Timeout:         cfg.Timeout,
		Credentials:     tapo.Credentials{Username: cfg.Username, Password: cfg.Password},
		CredentialsHash: tapo.CredentialsHash(cfg.CredentialsHash),
	})
}

func runDaemon(cfg *config.Config) {
	if cfg.Username == "" && cfg.Password == "" && cfg.CredentialsHash == "" {
		log.Fatal("Error: username/password or a credentials hash is required for daemon mode")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	log.Printf("Daemon starting with interval %v, database: %s", cfg.Interval, cfg.DBPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	client := tapo.NewClient(tapo.Credentials{Username: cfg.Username, Password: cfg.Password}, tapo.CredentialsHash(cfg.CredentialsHash), log.Default())

	pollDevice(client, db, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pollDevice(client, db, cfg)
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			printDBStats(db)
			return
		}
	}
}

func pollDevice(client *tapo.Client, db *store.Store, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	device, err := connect(client, cfg)
	if err != nil {
		log.Printf("[%s] Connection failed: %v", cfg.Host, err)
		return
	}
	defer device.Close()

	now := time.Now()
	dateStr := now.Format("2006-01-02")

	info, err := device.GetDeviceInfo(ctx)
	if err != nil || info == nil || info.DeviceID == "" {
		log.Printf("[%s] Failed to get device info, skipping poll: %v", cfg.Host, err)
		return
	}
	deviceID, mac := info.DeviceID, info.MAC

	power, err := device.GetCurrentPower(ctx)
	if err != nil {
		log.Printf("[%s] Failed to get power: %v", cfg.Host, err)
	} else {
		if err := db.InsertReading(deviceID, cfg.Host, mac, power.CurrentPower); err != nil {
			log.Printf("[%s] Failed to store reading: %v", cfg.Host, err)
		} else {
			log.Printf("[%s] Power: %.1f W", cfg.Host, float64(power.CurrentPower)/1000.0)
		}
	}

	hourly, err := device.GetEnergyData(ctx, tapo.EnergyDataHourly, now)
	if err != nil {
		log.Printf("[%s] Failed to get hourly data: %v", cfg.Host, err)
	} else if hourly != nil {
		for hour, wh := range hourly.Data {
			if wh > 0 {
				if err := db.InsertHourly(dateStr, hour, deviceID, wh); err != nil {
					log.Printf("[%s] Failed to store hourly: %v", cfg.Host, err)
				}
			}
		}
	}

	energyUsage, err := device.GetEnergyUsage(ctx)
	if err != nil {
		log.Printf("[%s] Failed to get energy usage: %v", cfg.Host, err)
	} else if energyUsage != nil {
		if err := db.InsertDaily(dateStr, deviceID, energyUsage.TodayEnergy, energyUsage.TodayRuntime); err != nil {
			log.Printf("[%s] Failed to store daily: %v", cfg.Host, err)
		}
	}

	monthly, err := device.GetEnergyData(ctx, tapo.EnergyDataMonthly, now)
	if err != nil {
		log.Printf("[%s] Failed to get monthly data: %v", cfg.Host, err)
	} else if monthly != nil {
		year := now.Year()
		for month, wh := range monthly.Data {
			if wh > 0 {
				if err := db.InsertMonthly(year, month+1, deviceID, wh); err != nil {
					log.Printf("[%s] Failed to store monthly: %v", cfg.Host, err)
				}
			}
		}
	}
}

func printDBStats(db *store.Store) {
	readings, hourly, daily, monthly, _ := db.GetStats()
	log.Printf("Database stats: %d readings, %d hourly, %d daily, %d monthly records",
		readings, hourly, daily, monthly)
}

func showHistory(cfg *config.Config) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	readings, hourlyCount, dailyCount, monthlyCount, _ := db.GetStats()
	fmt.Println("Database Statistics:")
	fmt.Printf("  Readings: %d | Hourly: %d | Daily: %d | Monthly: %d\n",
		readings, hourlyCount, dailyCount, monthlyCount)
	fmt.Println(strings.Repeat("─", 70))

	endDate := time.Now()
	startDate := endDate.AddDate(0, 0, -cfg.Days)
	startStr := startDate.Format("2006-01-02")
	endStr := endDate.Format("2006-01-02")

	deviceID := ""
	if cfg.Host != "" {
		deviceID, err = db.ResolveDeviceID(cfg.Host)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve device id for %s: %v\n", cfg.Host, err)
		}
	}
	if deviceID == "" {
		dailyRecords, _ := db.GetDailyRange("", startStr, endStr)
		if len(dailyRecords) > 0 {
			deviceID = dailyRecords[0].DeviceID
		}
	}

	fmt.Printf("Showing data for: %s (last %d days)\n", deviceID, cfg.Days)
	fmt.Println(strings.Repeat("─", 70))

	fmt.Println("Recent Power Readings (last 24h):")
	recentReadings, err := db.GetReadingsRange(deviceID, endDate.Add(-24*time.Hour), endDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
	} else if len(recentReadings) == 0 {
		fmt.Println("  No readings found")
	} else {
		var totalPower int64
		minPower, maxPower := recentReadings[0].PowerMW, recentReadings[0].PowerMW
		for _, r := range recentReadings {
			totalPower += int64(r.PowerMW)
			if r.PowerMW < minPower {
				minPower = r.PowerMW
			}
			if r.PowerMW > maxPower {
				maxPower = r.PowerMW
			}
		}
		avgPower := float64(totalPower) / float64(len(recentReadings))
		fmt.Printf("  %d readings | Avg: %.1f W | Min: %.1f W | Max: %.1f W\n",
			len(recentReadings), avgPower/1000.0, float64(minPower)/1000.0, float64(maxPower)/1000.0)

		fmt.Println("  Last 10 readings:")
		start := len(recentReadings) - 10
		if start < 0 {
			start = 0
		}
		for _, r := range recentReadings[start:] {
			fmt.Printf("    %s: %.1f W\n", r.Timestamp.Local().Format("15:04:05"), float64(r.PowerMW)/1000.0)
		}
	}

	fmt.Println(strings.Repeat("─", 70))

	fmt.Println("Hourly Data (today):")
	todayStr := endDate.Format("2006-01-02")
	hourlyRecords, err := db.GetHourlyRange(deviceID, todayStr, todayStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
	} else if len(hourlyRecords) == 0 {
		fmt.Println("  No hourly data found")
	} else {
		hourlyData := make([]int, 24)
		for _, r := range hourlyRecords {
			if r.Hour >= 0 && r.Hour < 24 {
				hourlyData[r.Hour] = r.EnergyWh
			}
		}
		printHourlyTable(hourlyData)
	}

	fmt.Println(strings.Repeat("─", 70))

	fmt.Printf("Daily Data (last %d days):\n", cfg.Days)
	dailyRecords, err := db.GetDailyRange(deviceID, startStr, endStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
	} else if len(dailyRecords) == 0 {
		fmt.Println("  No daily data found")
	} else {
		var totalEnergy int
		fmt.Println("  Date        Energy    Runtime")
		for _, r := range dailyRecords {
			kwh := float64(r.EnergyWh) / 1000.0
			totalEnergy += r.EnergyWh
			cost := ""
			if cfg.Rate > 0 {
				cost = fmt.Sprintf(" %s%.1f", cfg.Currency, kwh*cfg.Rate)
			}
			fmt.Printf("  %s  %6.2f kWh  %4dmin%s\n", r.Date, kwh, r.RuntimeMin, cost)
		}
		fmt.Printf("  Total: %.2f kWh", float64(totalEnergy)/1000.0)
		if cfg.Rate > 0 {
			fmt.Printf(" (%s%.0f)", cfg.Currency, float64(totalEnergy)/1000.0*cfg.Rate)
		}
		fmt.Println()
	}

	fmt.Println(strings.Repeat("─", 70))

	fmt.Println("Monthly Data (archived):")
	monthlyRecords, err := db.GetMonthlyRange(deviceID, endDate.Year()-1, endDate.Year())
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
	} else if len(monthlyRecords) == 0 {
		fmt.Println("  No monthly data found")
	} else {
		months := []string{"", "Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}
		var totalEnergy int
		for _, r := range monthlyRecords {
			kwh := float64(r.EnergyWh) / 1000.0
			totalEnergy += r.EnergyWh
			cost := ""
			if cfg.Rate > 0 {
				cost = fmt.Sprintf(" %s%.0f", cfg.Currency, kwh*cfg.Rate)
			}
			fmt.Printf("  %d %s: %6.2f kWh%s\n", r.Year, months[r.Month], kwh, cost)
		}
		fmt.Printf("  Total archived: %.2f kWh", float64(totalEnergy)/1000.0)
		if cfg.Rate > 0 {
			fmt.Printf(" (%s%.0f)", cfg.Currency, float64(totalEnergy)/1000.0*cfg.Rate)
		}
		fmt.Println()
	}
}

func queryDevice(ctx context.Context, device *tapo.Device, cfg *config.Config) map[string]interface{} {
	data := make(map[string]interface{})

	info, err := device.GetDeviceInfo(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get device info: %v\n", err)
	} else {
		data["device_info"] = info
	}

	usage, err := device.GetDeviceUsage(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get device usage: %v\n", err)
	} else {
		data["device_usage"] = usage
	}

	power, err := device.GetCurrentPower(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get current power: %v\n", err)
	} else {
		data["current_power"] = power
	}

	energyUsage, err := device.GetEnergyUsage(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get energy usage: %v\n", err)
	} else {
		data["energy_usage"] = energyUsage
	}

	today := time.Now()
	hourlyData, err := device.GetEnergyData(ctx, tapo.EnergyDataHourly, today)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get hourly energy data: %v\n", err)
	} else {
		data["energy_data_hourly"] = hourlyData
	}

	dailyData, err := device.GetEnergyData(ctx, tapo.EnergyDataDaily, today)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get daily energy data: %v\n", err)
	} else {
		data["energy_data_daily"] = dailyData
	}

	monthlyData, err := device.GetEnergyData(ctx, tapo.EnergyDataMonthly, today)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get monthly energy data: %v\n", err)
	} else {
		data["energy_data_monthly"] = monthlyData
	}

	switch cfg.Output {
	case config.OutputSummary:
		printSummary(info, usage, power, energyUsage, hourlyData, dailyData, monthlyData, cfg.Rate, cfg.Currency)
	case config.OutputRaw:
		printRaw(data)
	}

	return data
}

func printSummary(info *tapo.DeviceInfo, usage *tapo.DeviceUsage, power *tapo.CurrentPower,
	energyUsage *tapo.EnergyUsage, hourly, daily, monthly *tapo.EnergyData, rate float64, currency string) {

	if info != nil {
		name := info.Nickname
		if name == "" {
			name = info.Model
		}
		status := "OFF"
		if info.DeviceON {
			status = "ON"
		}
		fmt.Printf("%s (%s) [%s] Signal: %ddBm\n", name, info.Model, status, info.RSSI)
	}
	fmt.Println(strings.Repeat("─", 70))

	if power != nil {
		watts := float64(power.CurrentPower) / 1000.0
		fmt.Printf("Current: %.1f W", watts)
		if energyUsage != nil {
			fmt.Printf("   Today: %.3f kWh (%dmin)", float64(energyUsage.TodayEnergy)/1000.0, energyUsage.TodayRuntime)
			fmt.Printf("   Month: %.2f kWh", float64(energyUsage.MonthEnergy)/1000.0)
		}
		fmt.Println()

		if rate > 0 && energyUsage != nil {
			todayCost := float64(energyUsage.TodayEnergy) / 1000.0 * rate
			monthCost := float64(energyUsage.MonthEnergy) / 1000.0 * rate
			fmt.Printf("Cost:              Today: %s%.2f                    Month: %s%.2f\n", currency, todayCost, currency, monthCost)
		}
	}

	if hourly != nil && len(hourly.Data) > 0 {
		fmt.Println(strings.Repeat("─", 70))
		printHourlyTable(hourly.Data)
	}

	if daily != nil && len(daily.Data) > 0 {
		fmt.Println(strings.Repeat("─", 70))
		printDailyWeekly(daily.Data)
	}

	if monthly != nil && len(monthly.Data) > 0 {
		fmt.Println(strings.Repeat("─", 70))
		printMonthlyBars(monthly.Data, rate, currency)
	}
}

func sum(data []int) int {
	total := 0
	for _, v := range data {
		total += v
	}
	return total
}

func maxVal(data []int) (int, int) {
	max := 0
	maxIdx := 0
	for i, v := range data {
		if v > max {
			max = v
			maxIdx = i
		}
	}
	return max, maxIdx
}

func printHourlyTable(data []int) {
	fmt.Println("Hourly (Wh):")

	fmt.Print("  Hour: ")
	for i := 0; i < 12; i++ {
		fmt.Printf("%4d ", i)
	}
	fmt.Println()
	fmt.Print("    Wh: ")
	for i := 0; i < 12 && i < len(data); i++ {
		fmt.Printf("%4d ", data[i])
	}
	fmt.Println()

	fmt.Print("  Hour: ")
	for i := 12; i < 24; i++ {
		fmt.Printf("%4d ", i)
	}
	fmt.Println()
	fmt.Print("    Wh: ")
	for i := 12; i < 24 && i < len(data); i++ {
		fmt.Printf("%4d ", data[i])
	}
	fmt.Println()

	total := sum(data)
	peak, peakHour := maxVal(data)
	fmt.Printf("  Total: %d Wh (%.3f kWh)  Peak: %d Wh @ %02d:00\n", total, float64(total)/1000.0, peak, peakHour)
}

func printDailyWeekly(data []int) {
	n := len(data)
	fmt.Printf("Daily (Wh) - %d days available:\n", n)

	fmt.Println("        Day:    1     2     3     4     5     6     7   Weekly")

	week := 1
	for i := 0; i < n; i += 7 {
		end := i + 7
		if end > n {
			end = n
		}

		weekData := data[i:end]
		weekTotal := sum(weekData)

		fmt.Printf("  Week %2d:  ", week)
		for _, v := range weekData {
			fmt.Printf("%5d ", v)
		}
		for j := len(weekData); j < 7; j++ {
			fmt.Print("    - ")
		}
		fmt.Printf(" %5d Wh (%.2f kWh)\n", weekTotal, float64(weekTotal)/1000.0)
		week++
	}

	total := sum(data)
	peak, peakDay := maxVal(data)
	avg := float64(total) / float64(n)
	fmt.Printf("  Total: %.2f kWh  Avg: %.0f Wh/day  Peak: %d Wh (day %d)\n",
		float64(total)/1000.0, avg, peak, peakDay+1)
}

func printMonthlyBars(data []int, rate float64, currency string) {
	months := []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

	n := len(data)
	if n > 12 {
		n = 12
	}

	max := 1
	for i := 0; i < n; i++ {
		if data[i] > max {
			max = data[i]
		}
	}

	fmt.Println("Monthly:")
	for i := 0; i < n; i++ {
		kwh := float64(data[i]) / 1000.0
		barLen := 0
		if max > 0 {
			barLen = data[i] * 30 / max
		}
		bar := strings.Repeat("█", barLen) + strings.Repeat("░", 30-barLen)

		if rate > 0 {
			cost := kwh * rate
			fmt.Printf("  %s %6.2f kWh %s %s%.0f\n", months[i], kwh, bar, currency, cost)
		} else {
			fmt.Printf("  %s %6.2f kWh %s\n", months[i], kwh, bar)
		}
	}

	total := sum(data[:n])
	fmt.Printf("  Year: %6.2f kWh", float64(total)/1000.0)
	if rate > 0 {
		fmt.Printf(" (%s%.0f)", currency, float64(total)/1000.0*rate)
	}
	fmt.Println()
}

func printRaw(data map[string]interface{}) {
	for key, val := range data {
		fmt.Printf("\n=== %s ===\n", key)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(val)
	}
}
