package service

var RequestFingerprint = requestFingerprint
