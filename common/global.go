package common

// Application metadata.
const (
	AppName    = "Niobium"
	AppVersion = "0.1.0"
	AppAuthor  = "HON95"
)
