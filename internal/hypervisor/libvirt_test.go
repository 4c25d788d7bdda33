package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVirshDomifaddrOutput(t *testing.T) {
	// --source lease case
	ip, ok := parseVirshDomifaddrOutput(` Name       MAC address          Protocol     Address
-------------------------------------------------------------------------------
 vnet6130   52:54:00:1c:1f:5e    ipv4         192.168.100.195/24`)
	assert.True(t, ok)
	assert.Equal(t, "192.168.100.195", ip.String())

	// --source arp case
	ip, ok = parseVirshDomifaddrOutput(` Name       MAC address          Protocol     Address
-------------------------------------------------------------------------------
 vnet91     52:54:00:95:5e:68    ipv4         192.168.100.189/0`)
	assert.True(t, ok)
	assert.Equal(t, "192.168.100.189", ip.String())

	// --source agent case, with a non-matching subnet mixed in
	ip, ok = parseVirshDomifaddrOutput(` Name       MAC address          Protocol     Address
-------------------------------------------------------------------------------
 lo0        0:0:0:0:0:0          ipv4         127.0.0.1/8
 -          -                    ipv6         ::1/128
 -          -                    ipv4         192.168.100.133/24
 utun0      0:0:0:0:0:0          ipv6         fe80::6acf:786a:a5db:69d1/64`)
	assert.True(t, ok)
	assert.Equal(t, "192.168.100.133", ip.String())
}

func TestParseVirshDomifaddrOutputNoMatch(t *testing.T) {
	_, ok := parseVirshDomifaddrOutput(` Name       MAC address          Protocol     Address
-------------------------------------------------------------------------------`)
	assert.False(t, ok)
}
