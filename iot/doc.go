// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device side of the device manager

	identity     device ids and their symmetric keys
	credentials  X.509 client certificates for devices
	twin         tags, desired and reported properties
	devices      device documents, commands and direct methods
	mqtt         the broker devices connect to
	telemetry    time series, rule evaluation and the alert history
	rules        threshold rules per device
	actions      endpoints alerts are delivered to
	filters      saved device queries
	devicejobs   twin updates and method calls on filtered devices

The WebAPI and the pages of the portal live in the portal packages.
*/
package iot
