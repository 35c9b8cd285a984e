package index

type Posting struct {
	DocID     string `msgpack:"d"`
	Frequency int    `msgpack:"f"`
	Positions []int  `msgpack:"p"`
}

type PostingList []Posting

type TermEntry struct {
	Term     string
	Postings PostingList
}
