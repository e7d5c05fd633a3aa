/*Package credentials issues X.509 client certificates for devices

The certificates are signed by the certificate authority the MQTT broker
trusts. The common name of a certificate is the device id, which the broker
compares with the MQTT client id.

The portal issues credentials through

	POST /api/v1/devices/{device_id}/certificate

The private key is generated on the server and returned once. It is not stored.
*/
package credentials
