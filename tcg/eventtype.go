// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package tcg

import (
	"fmt"
	"strconv"
	"strings"
)

// EventType indicates what kind of data an event is reporting.
//
// https://trustedcomputinggroup.org/wp-content/uploads/TCG_PCClient_Specific_Platform_Profile_for_TPM_2p0_1p04_PUBLIC.pdf#page=103
type EventType uint32

// Event types defined by the PC Client Platform Firmware Profile.
const (
	PrebootCert          EventType = 0x00000000
	PostCode             EventType = 0x00000001
	unused               EventType = 0x00000002
	NoAction             EventType = 0x00000003
	Separator            EventType = 0x00000004
	Action               EventType = 0x00000005
	EventTag             EventType = 0x00000006
	SCRTMContents        EventType = 0x00000007
	SCRTMVersion         EventType = 0x00000008
	CPUMicrocode         EventType = 0x00000009
	PlatformConfigFlags  EventType = 0x0000000A
	TableOfDevices       EventType = 0x0000000B
	CompactHash          EventType = 0x0000000C
	Ipl                  EventType = 0x0000000D
	IplPartitionData     EventType = 0x0000000E
	NonhostCode          EventType = 0x0000000F
	NonhostConfig        EventType = 0x00000010
	NonhostInfo          EventType = 0x00000011
	OmitBootDeviceEvents EventType = 0x00000012

	// UEFI events.
	EFIEventBase                 EventType = 0x80000000
	EFIVariableDriverConfig      EventType = 0x80000001
	EFIVariableBoot              EventType = 0x80000002
	EFIBootServicesApplication   EventType = 0x80000003
	EFIBootServicesDriver        EventType = 0x80000004
	EFIRuntimeServicesDriver     EventType = 0x80000005
	EFIGPTEvent                  EventType = 0x80000006
	EFIAction                    EventType = 0x80000007
	EFIPlatformFirmwareBlob      EventType = 0x80000008
	EFIHandoffTables             EventType = 0x80000009
	EFIPlatformFirmwareBlob2     EventType = 0x8000000A
	EFIHandoffTables2            EventType = 0x8000000B
	EFIVariableBoot2             EventType = 0x8000000C
	EFIHCRTMEvent                EventType = 0x80000010
	EFIVariableAuthority         EventType = 0x800000E0
	EFISPDMFirmwareBlob          EventType = 0x800000E1
	EFISPDMFirmwareConfig        EventType = 0x800000E2
)

// Well-known EV_EFI_ACTION strings.
const (
	CallingEFIApplication      = "Calling EFI Application from Boot Option"
	ExitBootServicesInvocation = "Exit Boot Services Invocation"
)

var eventTypeNames = map[EventType]string{
	PrebootCert:          "EV_PREBOOT_CERT",
	PostCode:             "EV_POST_CODE",
	unused:               "EV_UNUSED",
	NoAction:             "EV_NO_ACTION",
	Separator:            "EV_SEPARATOR",
	Action:               "EV_ACTION",
	EventTag:             "EV_EVENT_TAG",
	SCRTMContents:        "EV_S_CRTM_CONTENTS",
	SCRTMVersion:         "EV_S_CRTM_VERSION",
	CPUMicrocode:         "EV_CPU_MICROCODE",
	PlatformConfigFlags:  "EV_PLATFORM_CONFIG_FLAGS",
	TableOfDevices:       "EV_TABLE_OF_DEVICES",
	CompactHash:          "EV_COMPACT_HASH",
	Ipl:                  "EV_IPL",
	IplPartitionData:     "EV_IPL_PARTITION_DATA",
	NonhostCode:          "EV_NONHOST_CODE",
	NonhostConfig:        "EV_NONHOST_CONFIG",
	NonhostInfo:          "EV_NONHOST_INFO",
	OmitBootDeviceEvents: "EV_OMIT_BOOT_DEVICE_EVENTS",

	EFIEventBase:               "EV_EFI_EVENT_BASE",
	EFIVariableDriverConfig:    "EV_EFI_VARIABLE_DRIVER_CONFIG",
	EFIVariableBoot:            "EV_EFI_VARIABLE_BOOT",
	EFIBootServicesApplication: "EV_EFI_BOOT_SERVICES_APPLICATION",
	EFIBootServicesDriver:      "EV_EFI_BOOT_SERVICES_DRIVER",
	EFIRuntimeServicesDriver:   "EV_EFI_RUNTIME_SERVICES_DRIVER",
	EFIGPTEvent:                "EV_EFI_GPT_EVENT",
	EFIAction:                  "EV_EFI_ACTION",
	EFIPlatformFirmwareBlob:    "EV_EFI_PLATFORM_FIRMWARE_BLOB",
	EFIHandoffTables:           "EV_EFI_HANDOFF_TABLES",
	EFIPlatformFirmwareBlob2:   "EV_EFI_PLATFORM_FIRMWARE_BLOB2",
	EFIHandoffTables2:          "EV_EFI_HANDOFF_TABLES2",
	EFIVariableBoot2:           "EV_EFI_VARIABLE_BOOT2",
	EFIHCRTMEvent:              "EV_EFI_HCRTM_EVENT",
	EFIVariableAuthority:       "EV_EFI_VARIABLE_AUTHORITY",
	EFISPDMFirmwareBlob:        "EV_EFI_SPDM_FIRMWARE_BLOB",
	EFISPDMFirmwareConfig:      "EV_EFI_SPDM_FIRMWARE_CONFIG",
}

var eventTypesByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventTypeNames))
	for t, n := range eventTypeNames {
		m[n] = t
	}
	return m
}()

// KnownName returns the TCG name of the event type and whether it is
// recognised.
func (e EventType) KnownName() (string, bool) {
	s, ok := eventTypeNames[e]
	return s, ok
}

// String returns the name as defined by the TCG specification.
func (e EventType) String() string {
	if s, ok := eventTypeNames[e]; ok {
		return s
	}
	return fmt.Sprintf("EventType(0x%08x)", uint32(e))
}

// ParseEventType accepts either a TCG name such as "EV_SEPARATOR" or a
// decimal/hex number.
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	if t, ok := eventTypesByName[strings.ToUpper(s)]; ok {
		return t, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown event type %q", s)
	}
	return EventType(n), nil
}
