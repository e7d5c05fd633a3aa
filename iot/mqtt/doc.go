/*Package mqtt provides the device broker

Devices connect either with a TLS client certificate whose common name is the
device id, or with their device id as user name and one of their keys as
password. The MQTT client id must be the device id and the device must be
enabled.

Devices publish to

	devices/{device_id}/telemetry          JSON object of numeric fields
	devices/{device_id}/twin/reported      merge patch of the reported properties
	devices/{device_id}/twin/get           requests the desired properties
	devices/{device_id}/commands/feedback  {"messageId", "result", "errorMessage"}
	devices/{device_id}/methods/res/{rid}  {"status", "payload"}

and may subscribe to

	devices/{device_id}/twin/desired       desired properties, full or patch
	devices/{device_id}/commands           command messages
	devices/{device_id}/methods/{name}/{rid}

A method is invoked by publishing its payload to methods/{name}/{rid}. The
device answers on methods/res/{rid}; the caller waits for the answer up to the
method timeout.
*/
package mqtt
