package vcd

import "github.com/vmware/go-vcloud-director/v2/types/v56"

// displayNames maps the status names of types.VAppStatuses to the names shown on VcdVApp objects.
// Statuses missing here are shown with their platform name.
var displayNames = map[string]string{
	"FAILED_CREATION":       "Could not be created",
	"UNRESOLVED":            "Unresolved",
	"RESOLVED":              "Resolved",
	"DEPLOYED":              "Deployed",
	"SUSPENDED":             "Suspended",
	"POWERED_ON":            "Powered on",
	"WAITING_FOR_INPUT":     "Waiting for user input",
	"UNKNOWN":               "Unknown state",
	"UNRECOGNIZED":          "Unrecognized state",
	"POWERED_OFF":           "Powered off",
	"INCONSISTENT_STATE":    "Inconsistent state",
	"MIXED":                 "Children do not all have the same status",
	"DESCRIPTOR_PENDING":    "Upload initiated, OVF descriptor pending",
	"COPYING_CONTENTS":      "Upload initiated, copying contents",
	"DISK_CONTENTS_PENDING": "Upload initiated , disk contents pending",
	"QUARANTINED":           "Upload has been quarantined",
	"QUARANTINE_EXPIRED":    "Upload quarantine period has expired",
}

// StatusName returns the display name of a vApp status code
func StatusName(code int) string {
	name, ok := types.VAppStatuses[code]
	if !ok {
		name = "UNRECOGNIZED"
	}
	if display, ok := displayNames[name]; ok {
		return display
	}
	return name
}
