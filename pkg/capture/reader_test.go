// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package capture

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEthIPTCP(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort layers.TCPPort, flags func(*layers.TCP), payload []byte) []byte {
	t.Helper()

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{5, 4, 3, 2, 1, 0},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      55,
		Id:       4242,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     1000,
		Window:  1024,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		},
	}
	if flags != nil {
		flags(&tcp)
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	layersToSerialize := []gopacket.SerializableLayer{&eth, &ip, &tcp}
	if len(payload) > 0 {
		layersToSerialize = append(layersToSerialize, gopacket.Payload(payload))
	}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, layersToSerialize...))
	return buf.Bytes()
}

func TestDecodePacket_IPv4TCP(t *testing.T) {
	payload := []byte("hello-world")
	data := buildEthIPTCP(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 39765, 6096,
		func(tcp *layers.TCP) { tcp.SYN = true }, payload)

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0)}
	rec, ok := decodePacket(data, ci, layers.LayerTypeEthernet, DefaultOptions())
	require.True(t, ok)

	assert.Equal(t, [4]byte{10, 0, 0, 1}, rec.SrcIP)
	assert.Equal(t, [4]byte{10, 0, 0, 2}, rec.DstIP)
	assert.Equal(t, uint16(39765), rec.SrcPort)
	assert.Equal(t, uint16(6096), rec.DstPort)
	assert.Equal(t, uint16(4242), rec.IPID)
	assert.Equal(t, uint8(55), rec.TTL)
	assert.True(t, rec.TCPFlags.Has(FlagSYN))
	assert.Equal(t, len(payload), rec.PayloadLen)
	assert.Equal(t, payload, rec.Payload)
	assert.NotEmpty(t, rec.TCPOptions)
}

func TestDecodePacket_HeaderOnlySuppressesPayload(t *testing.T) {
	payload := []byte("some-bytes")
	data := buildEthIPTCP(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1, 2, nil, payload)

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0)}
	rec, ok := decodePacket(data, ci, layers.LayerTypeEthernet, Options{HeaderOnly: true, PayloadHashPrefix: 512})
	require.True(t, ok)

	assert.Equal(t, len(payload), rec.PayloadLen)
	assert.Nil(t, rec.Payload)
}

func TestDecodePacket_TruncatesPayloadToPrefix(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	data := buildEthIPTCP(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1, 2, nil, payload)

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0)}
	rec, ok := decodePacket(data, ci, layers.LayerTypeEthernet, Options{PayloadHashPrefix: 16})
	require.True(t, ok)

	assert.Equal(t, 100, rec.PayloadLen)
	assert.Len(t, rec.Payload, 16)
	assert.Equal(t, payload[:16], rec.Payload)
}

func TestDecodePacket_SkipsNonTCP(t *testing.T) {
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{5, 4, 3, 2, 1, 0},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := layers.UDP{SrcPort: 53, DstPort: 5353}
	require.NoError(t, udp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp))

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0)}
	_, ok := decodePacket(buf.Bytes(), ci, layers.LayerTypeEthernet, DefaultOptions())
	assert.False(t, ok)
}

func TestEncodeOptions_Roundtrip(t *testing.T) {
	opts := []layers.TCPOption{
		{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
		{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{0x07}},
	}
	got := encodeOptions(opts)
	want := []byte{
		byte(layers.TCPOptionKindMSS), 4, 0x05, 0xb4,
		byte(layers.TCPOptionKindNop),
		byte(layers.TCPOptionKindWindowScale), 3, 0x07,
	}
	assert.Equal(t, want, got)
}
