package version

const Version = "0.9.1"
