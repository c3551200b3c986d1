package telemqtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stronnag/mspflight/pkg/flight"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
)

func PhaseMessage(tr flight.Transition) string {
	var sb strings.Builder
	sb.WriteString("ftm:")
	sb.WriteString(tr.To.String())
	sb.WriteByte(',')
	if tr.Reason != nil {
		sb.WriteString("rsn:")
		// commas delimit fields
		sb.WriteString(strings.ReplaceAll(tr.Reason.Error(), ",", ";"))
		sb.WriteByte(',')
	}
	sb.WriteString("air:")
	if tr.To.Airborne() {
		sb.WriteString("1")
	} else {
		sb.WriteString("0")
	}
	return sb.String()
}

func BatteryMessage(bs msp.BatteryStatus) string {
	var sb strings.Builder
	if bs.CellCount > 0 {
		sb.WriteString("bcc:")
		sb.WriteString(strconv.Itoa(int(bs.CellCount)))
		sb.WriteByte(',')
	}
	sb.WriteString(fmt.Sprintf("bpv:%.2f,", bs.Voltage))
	if acv, ok := bs.CellVoltage(); ok {
		sb.WriteString(fmt.Sprintf("acv:%.2f,", acv))
	}
	sb.WriteString("cad:")
	sb.WriteString(strconv.Itoa(int(bs.MahDrawn)))
	sb.WriteByte(',')
	sb.WriteString(fmt.Sprintf("cud:%.2f", bs.Current))
	if bs.RemainingKnown {
		sb.WriteString(fmt.Sprintf(",bpc:%.0f", bs.Remaining))
	}
	return sb.String()
}

func StatusMessage(st msp.ArmingStatus) string {
	fs := 0
	if st.ArmingDisableFlags&msp.ARMING_DISABLED_RXLOSS != 0 {
		fs = 1
	}
	armed := 0
	if st.Armed {
		armed = 1
	}
	return fmt.Sprintf("fs:%d,arm:%d", fs, armed)
}

func AnalogMessage(a msp.Analog) string {
	return fmt.Sprintf("rsi:%d,bpv:%.2f,cud:%.2f", a.RssiPercent(), a.Voltage, a.Current)
}

// TelemetryMessage formats the frames a ground station cares about; other
// commands and short payloads report false.
func TelemetryMessage(t mspclient.Telemetry) (string, bool) {
	switch t.Frame.Cmd {
	case msp.MSP_BATTERY_STATE:
		if bs, err := msp.ParseBattery(t.Frame.Payload); err == nil {
			return BatteryMessage(bs), true
		}
	case msp.MSP_STATUS_EX:
		if st, err := msp.ParseStatus(t.Frame.Payload); err == nil {
			return StatusMessage(st), true
		}
	case msp.MSP_ANALOG:
		if a, err := msp.ParseAnalog(t.Frame.Payload); err == nil {
			return AnalogMessage(a), true
		}
	}
	return "", false
}
