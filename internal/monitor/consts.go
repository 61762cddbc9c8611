package monitor

const (
	mprisPath        = "/org/mpris/MediaPlayer2"
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"

	propPlaybackStatus = mprisPlayerIface + ".PlaybackStatus"
	propMetadata       = mprisPlayerIface + ".Metadata"
	propPosition       = mprisPlayerIface + ".Position"
	propRate           = mprisPlayerIface + ".Rate"

	dbusIface        = "org.freedesktop.DBus"
	dbusPropsIface   = "org.freedesktop.DBus.Properties"
	dbusListNames    = dbusIface + ".ListNames"
	dbusGetNameOwner = dbusIface + ".GetNameOwner"

	signalPropertiesChanged = dbusPropsIface + ".PropertiesChanged"
	signalNameOwnerChanged  = dbusIface + ".NameOwnerChanged"
	signalSeeked            = mprisPlayerIface + ".Seeked"
)
