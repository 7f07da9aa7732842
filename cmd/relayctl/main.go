package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/controller"
	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/state"
	"github.com/thatsimonsguy/relay-controller/internal/transport"
)

// relayctl is a maintenance CLI for a relay module on an otherwise idle bus.
// Do not run it against a live controller: both ends would fight over the
// serial port.

func main() {
	var dbPath, command, device, parity string
	var baud, slaveID, limit, replyDelayMs int
	flag.StringVar(&dbPath, "db", "data/relay-controller.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: dump-channels, dump-log, prune-log, device-info, set-reply-delay, factory-reset")
	flag.StringVar(&device, "device", "/dev/ttyUSB0", "Serial device for live commands")
	flag.IntVar(&baud, "baud", 9600, "Baud rate for live commands")
	flag.StringVar(&parity, "parity", "none", "Parity for live commands: none, even, odd")
	flag.IntVar(&slaveID, "slave-id", 1, "Modbus slave ID of the relay module")
	flag.IntVar(&limit, "limit", 20, "Row limit for dump-log")
	flag.IntVar(&replyDelayMs, "reply-delay-ms", 0, "Reply delay for set-reply-delay, rounded to 40 ms units")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	// Keep zerolog quiet; this is an interactive tool.
	log.Logger = log.Logger.Level(zerolog.ErrorLevel)

	if *help || command == "" {
		fmt.Println("\nUsage of relayctl:")
		fmt.Println("  -db string\tPath to the SQLite database file")
		fmt.Println("  -cmd string\tCommand to run: dump-channels, dump-log, prune-log, device-info, set-reply-delay, factory-reset")
		fmt.Println("  -device string\tSerial device for live commands")
		fmt.Println("  -baud int\tBaud rate for live commands")
		fmt.Println("  -parity string\tParity for live commands: none, even, odd")
		fmt.Println("  -slave-id int\tModbus slave ID of the relay module")
		fmt.Println("  -limit int\tRow limit for dump-log")
		fmt.Println("  -reply-delay-ms int\tReply delay for set-reply-delay")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "dump-channels":
		err = db.DumpChannelsCLI(dbPath)
	case "dump-log":
		err = db.DumpCommandLogCLI(dbPath, limit)
	case "prune-log":
		err = db.PruneCommandLogCLI(dbPath, limit)
	case "device-info":
		err = withController(device, baud, parity, slaveID, func(ctrl *controller.Controller) error {
			info, err := ctrl.ReadDeviceInfo()
			if err != nil {
				return err
			}
			fmt.Printf("device type:  0x%04X\n", info.DeviceType)
			fmt.Printf("firmware:     %d.%d\n", info.FirmwareMajor, info.FirmwareMinor)
			fmt.Printf("address:      0x%02X\n", info.Address)
			fmt.Printf("baud rate:    %d\n", info.BaudRate)
			fmt.Printf("parity:       %s\n", info.Parity)
			fmt.Printf("reply delay:  %d ms\n", int(info.ReplyDelayUnits)*40)
			return nil
		})
	case "set-reply-delay":
		err = withController(device, baud, parity, slaveID, func(ctrl *controller.Controller) error {
			return ctrl.SetReplyDelay(replyDelayMs)
		})
	case "factory-reset":
		fmt.Println("Factory reset restores the module's default address, baud and parity.")
		err = withController(device, baud, parity, slaveID, func(ctrl *controller.Controller) error {
			return ctrl.FactoryReset()
		})
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

// withController opens the bus, initializes a controller without touching
// relay outputs, runs fn, then closes the bus.
func withController(device string, baud int, parityName string, slaveID int, fn func(*controller.Controller) error) error {
	parity, ok := model.ParityFromString(parityName)
	if !ok {
		return fmt.Errorf("invalid parity %q", parityName)
	}
	if slaveID < 1 || slaveID > 0x3F {
		return fmt.Errorf("slave ID %d out of range 1-63", slaveID)
	}

	rtu, err := transport.NewRTU(transport.RTUConfig{
		Device:   device,
		BaudRate: baud,
		Parity:   parity,
		SlaveID:  uint8(slaveID),
		Timeout:  time.Second,
	})
	if err != nil {
		return err
	}

	ctrl := controller.New(rtu, state.NewStore(eventbus.New()), eventbus.New(), eventbus.New(), uint8(slaveID))
	defer ctrl.Close()

	if err := ctrl.Initialize(controller.InitConfig{SkipRelayStateRead: true}); err != nil {
		return fmt.Errorf("module did not respond: %w", err)
	}
	return fn(ctrl)
}
