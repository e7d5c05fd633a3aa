/*Package twin provides the device twin document and its helpers

A device twin consists of three JSON objects: the tags, which are only visible
to the portal, the desired properties, which the portal sends to the device, and
the reported properties, which the device reports back.

	{
	  "tags": {"building": "43", "floor": "1"},
	  "desired": {"config": {"telemetryInterval": 30}},
	  "reported": {"config": {"telemetryInterval": 10}},
	  "version": 4,
	  "updatedAt": "2021-03-24T16:39:49.581168Z"
	}

Updates are JSON merge patches: keys present in the patch are set, keys with a
null value are removed, nested objects are merged recursively.

The edit forms of the portal work on flat key sets. Flatten turns a twin section
into dotted paths like "config.telemetryInterval", Unflatten and Set go back.
Diff computes the merge patch which turns one flat key set into another.
*/
package twin
