package provider

import "healthlink_gateway/types"

const (
	EndpointCheckupList     = "/in0002000977"
	EndpointCheckupYearly   = "/in0002000978"
	EndpointCheckupOverview = "/in0002000979"
	EndpointHealthAge       = "/in0002000982"
	EndpointMedical         = "/in0002000983"
	EndpointMedication      = "/in0002000984"
)

var endpoints = map[types.Target]string{
	types.TargetCheckupList:     EndpointCheckupList,
	types.TargetCheckupYearly:   EndpointCheckupYearly,
	types.TargetCheckupOverview: EndpointCheckupOverview,
	types.TargetHealthAge:       EndpointHealthAge,
	types.TargetMedical:         EndpointMedical,
	types.TargetMedication:      EndpointMedication,
}

// Endpoint путь эндпоинта для цели
func Endpoint(target types.Target) (string, bool) {
	path, ok := endpoints[target]
	return path, ok
}
