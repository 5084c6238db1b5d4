package uplink

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"drone-telemetry/internal/models"
	"drone-telemetry/internal/wire"
)

func TestSendToServerConnectsLazily(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	c := NewClient(DefaultConfig("drone_alpha", ln.Addr().String()))
	defer c.Close()
	if c.Connected() {
		t.Fatalf("client connected before the first send")
	}

	anomaly := models.Anomaly{SensorID: "s1", Issue: models.IssueTemperatureTooHigh, Value: 95, Threshold: models.Float(30)}
	if err := c.SendToServer(21.5, 40, []models.Anomaly{anomaly}, 87.5, models.StatusNormal); err != nil {
		t.Fatalf("SendToServer: %v", err)
	}
	if err := c.SendToServer(0, 0, nil, 87.4, models.StatusNormal); err != nil {
		t.Fatalf("second SendToServer: %v", err)
	}

	peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer peer.Close()
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(peer)

	first, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	report, err := wire.DecodeReport(first)
	if err != nil {
		t.Fatalf("DecodeReport: %v", err)
	}
	if report.DroneID != "drone_alpha" || report.BatteryLevel != 87.5 || len(report.Anomalies) != 1 {
		t.Errorf("first report = %+v", report)
	}

	second, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Contains(second, []byte(`"anomalies":[]`)) {
		t.Errorf("nil anomalies not encoded as an empty list: %s", second)
	}
}

func TestSendToServerReportsUnreachableCentral(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(DefaultConfig("drone_alpha", addr))
	if err := c.SendToServer(0, 0, nil, 100, models.StatusNormal); err == nil {
		t.Fatalf("SendToServer to a closed port succeeded")
	}
	if c.Connected() {
		t.Errorf("Connected = true after a failed dial")
	}
}

func TestSendFailureMarksDisconnected(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	c := NewClient(DefaultConfig("drone_alpha", "pipe"))
	c.conn = client
	c.connected = true

	if err := c.SendToServer(0, 0, nil, 100, models.StatusNormal); err == nil {
		t.Fatalf("SendToServer over a closed pipe succeeded")
	}
	if c.Connected() {
		t.Errorf("Connected = true after a write failure")
	}
}
