package schematic

// Version is the client version. This must conform to the semantic versioning
// spec (https://semver.org) because it is reported to the service with every
// event.
const Version = "1.0.0"

// clientVersionString is sent in the X-Schematic-Client-Version header and in
// the WebSocket context message.
const clientVersionString = "schematic-go-" + Version
