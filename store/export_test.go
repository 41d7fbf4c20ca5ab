package store

func Classify(err error) error { return classify(err, "test") }
